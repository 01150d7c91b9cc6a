package isupport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCasemapping(t *testing.T) {
	table := []struct {
		A, B  string
		Map   Casemapping
		Equal bool
	}{
		{"Foo[1]", "foo{1}", CasemapRFC1459, true},
		{"Foo[1]", "foo{1}", CasemapStrictRFC1459, true},
		{"Foo[1]", "foo{1}", CasemapASCII, false},
		{"Foo[1]", "FOO[1]", CasemapASCII, true},
		{"nick~", "NICK^", CasemapRFC1459, true},
		{"nick~", "NICK^", CasemapStrictRFC1459, false},
		{`a\b`, "A|B", CasemapStrictRFC1459, true},
		{"abc", "abcd", CasemapRFC1459, false},
	}

	for _, row := range table {
		t.Run(row.Map.String()+"/"+row.A+"/"+row.B, func(t *testing.T) {
			assert.Equal(t, row.Equal, row.Map.Equal(row.A, row.B))
			assert.Equal(t, row.Equal, row.Map.Compare(row.A, row.B) == 0)
		})
	}
}

func TestCasemappingFold(t *testing.T) {
	assert.Equal(t, "{channel}|~", CasemapRFC1459.Fold(`[CHANNEL]\^`))
	assert.Equal(t, "{channel}|^", CasemapStrictRFC1459.Fold(`[CHANNEL]\^`))
	assert.Equal(t, `[channel]\^`, CasemapASCII.Fold(`[CHANNEL]\^`))
}

func TestParseCasemapping(t *testing.T) {
	cm, ok := ParseCasemapping("STRICT-RFC1459")
	assert.True(t, ok)
	assert.Equal(t, CasemapStrictRFC1459, cm)

	cm, ok = ParseCasemapping("unicode")
	assert.False(t, ok)
	assert.Equal(t, CasemapRFC1459, cm)
}
