package result

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoFacts = `<?xml version="1.0" encoding="UTF-8"?>
<facts>
  <fact>
    <className>org.example.Stack</className>
    <methodName>pop</methodName>
    <lineNumber>42</lineNumber>
    <explanation>size is 0 in all failing runs</explanation>
    <factType>TYPE_A</factType>
  </fact>
  <fact>
    <className>org.example.Stack</className>
    <methodName>push</methodName>
    <lineNumber>17</lineNumber>
    <explanation>branch never taken</explanation>
    <factType>TYPE_B</factType>
  </fact>
</facts>`

func TestParseTwoFacts(t *testing.T) {
	facts, err := Parse([]byte(twoFacts))
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, Fact{
		ClassName:   "org.example.Stack",
		MethodName:  "pop",
		LineNumber:  42,
		Explanation: "size is 0 in all failing runs",
		Type:        "TYPE_A",
	}, facts[0])
	assert.Equal(t, "TYPE_B", facts[1].Type)
}

func TestParseEmptyFacts(t *testing.T) {
	facts, err := Parse([]byte(`<facts/>`))
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestParseMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":        "   ",
		"not xml":      "hello",
		"wrong root":   `<results><fact/></results>`,
		"no class":     `<facts><fact><methodName>m</methodName><lineNumber>1</lineNumber><factType>T</factType></fact></facts>`,
		"bad line":     `<facts><fact><className>C</className><methodName>m</methodName><lineNumber>0</lineNumber><factType>T</factType></fact></facts>`,
		"line not int": `<facts><fact><className>C</className><methodName>m</methodName><lineNumber>x</lineNumber><factType>T</factType></fact></facts>`,
		"no type":      `<facts><fact><className>C</className><methodName>m</methodName><lineNumber>3</lineNumber></fact></facts>`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed))
		})
	}
}
