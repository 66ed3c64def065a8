package result

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
)

var ErrMalformed = errors.New("malformed result document")

// Fact is one finding reported by the analysis tool.
type Fact struct {
	ClassName   string `xml:"className" json:"class_name"`
	MethodName  string `xml:"methodName" json:"method_name"`
	LineNumber  int    `xml:"lineNumber" json:"line_number"`
	Explanation string `xml:"explanation" json:"explanation"`
	Type        string `xml:"factType" json:"fact_type"`
}

type document struct {
	XMLName xml.Name `xml:"facts"`
	Facts   []Fact   `xml:"fact"`
}

// Parse decodes a <facts> document. An empty <facts/> is valid and yields no facts.
func Parse(b []byte) ([]Fact, error) {
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrMalformed)
	}
	var doc document
	if err := xml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for i := range doc.Facts {
		f := &doc.Facts[i]
		f.ClassName = strings.TrimSpace(f.ClassName)
		f.MethodName = strings.TrimSpace(f.MethodName)
		f.Explanation = strings.TrimSpace(f.Explanation)
		f.Type = strings.TrimSpace(f.Type)
		if err := f.validate(); err != nil {
			return nil, fmt.Errorf("%w: fact %d: %v", ErrMalformed, i, err)
		}
	}
	return doc.Facts, nil
}

func (f Fact) validate() error {
	switch {
	case f.ClassName == "":
		return errors.New("className is required")
	case f.MethodName == "":
		return errors.New("methodName is required")
	case f.LineNumber <= 0:
		return fmt.Errorf("lineNumber must be > 0, got %d", f.LineNumber)
	case f.Type == "":
		return errors.New("factType is required")
	}
	return nil
}
