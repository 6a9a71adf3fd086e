package nl2sql

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeQuery(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"trailing note", "SELECT COUNT(*) FROM df;\nSome trailing note", "SELECT COUNT(*) FROM df"},
		{"surrounding whitespace", "  \n SELECT * FROM df \t", "SELECT * FROM df"},
		{"whitespace before terminator", "SELECT 1   ;", "SELECT 1"},
		{"multiple statements", "SELECT 1; DROP TABLE df;", "SELECT 1"},
		{"only terminator", ";", ""},
		{"empty", "", ""},
		{"multi line", "SELECT name\nFROM df\nWHERE id = 1;", "SELECT name\nFROM df\nWHERE id = 1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NormalizeQuery(tc.raw))
		})
	}
}

func TestNormalizeQueryIsIdempotent(t *testing.T) {
	inputs := []string{
		"SELECT COUNT(*) FROM df",
		"  SELECT * FROM df WHERE name = 'a'  ",
		"WITH x AS (SELECT 1) SELECT * FROM x",
		"",
	}
	for _, input := range inputs {
		once := NormalizeQuery(input)
		assert.Equal(t, once, NormalizeQuery(once), "input %q", input)
	}
}

func TestIsReadOnlyQuery(t *testing.T) {
	allowed := []string{
		"SELECT COUNT(*) FROM df",
		"  select * from df",
		"WITH t AS (SELECT 1) SELECT * FROM t",
		"SELECT\n*\nFROM df",
		"select(1)",
	}
	for _, candidate := range allowed {
		assert.True(t, IsReadOnlyQuery(candidate), candidate)
	}

	rejected := []string{
		"",
		"DROP TABLE df",
		"SELEKT * FROM df",
		"selection",
		"INSERT INTO df VALUES (1)",
		"COPY df TO '/tmp/out.csv'",
	}
	for _, candidate := range rejected {
		assert.False(t, IsReadOnlyQuery(candidate), candidate)
	}
}
