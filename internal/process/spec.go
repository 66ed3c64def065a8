package process

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/loykin/bugexd/internal/env"
	"github.com/loykin/bugexd/internal/logger"
)

const (
	DefaultResultFileName = "bugex-results.xml"
	DefaultLogFileName    = "bugex.log"
)

// Spec describes one invocation of the analysis tool.
type Spec struct {
	Token           string        `json:"token"`
	Executable      string        `json:"executable"`       // may carry a launcher prefix, e.g. "java -jar /opt/bugex.jar"
	ArchivePath     string        `json:"archive_path"`     // must exist when the handle is built
	TestCase        string        `json:"test_case"`        // failing test identifier
	WorkDir         string        `json:"work_dir"`         // tool writes its result file here
	Debug           bool          `json:"debug"`            // append ArtificialDelay to the arguments
	ArtificialDelay int           `json:"artificial_delay"` // seconds
	ResultFileName  string        `json:"result_file_name"`
	LogFileName     string        `json:"log_file_name"`
	Env             []string      `json:"env,omitempty"` // "K=V" added to the inherited environment
	Log             logger.Config `json:"log"`
}

// Name identifies the tool instance in logs.
func (s Spec) Name() string {
	return fmt.Sprintf("bugex-instance-%s-subprocess", s.Token)
}

// Validate checks fields that do not touch the filesystem.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Executable) == "" {
		return errors.New("executable is required")
	}
	if strings.TrimSpace(s.WorkDir) == "" {
		return errors.New("work dir is required")
	}
	if s.ArtificialDelay < 0 {
		return errors.New("artificial delay must be >= 0")
	}
	if bad, ok := env.Validate(s.Env); !ok {
		return fmt.Errorf("invalid env entry %q, want KEY=VALUE", bad)
	}
	return nil
}

// Args returns argv for the tool:
// <executable...> <archive> <test case> <work dir> [<delay>]
func (s Spec) Args() []string {
	args := strings.Fields(s.Executable)
	args = append(args, s.ArchivePath, s.TestCase, s.WorkDir)
	if s.Debug {
		args = append(args, strconv.Itoa(s.ArtificialDelay))
	}
	return args
}

// ResultFile is the name of the file the tool writes into WorkDir.
func (s Spec) ResultFile() string {
	if s.ResultFileName == "" {
		return DefaultResultFileName
	}
	return s.ResultFileName
}

func (s Spec) logFileName() string {
	if s.LogFileName == "" {
		return DefaultLogFileName
	}
	return s.LogFileName
}
