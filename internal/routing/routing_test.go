package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestTable() *Table {
	return NewTable(Config{
		LocalNamespaces:  []string{"filesystem", "git"},
		RemoteNamespaces: []string{"memory", "github"},
		Default:          RouteLocal,
	})
}

func TestTable_Classify(t *testing.T) {
	table := newTestTable()

	assert.Equal(t, RouteLocal, table.Classify("filesystem:read_file"))
	assert.Equal(t, RouteRemote, table.Classify("memory:store"))
	assert.Equal(t, RouteRemote, table.Classify("github:create_issue"))
}

func TestTable_Classify_LegacyForm(t *testing.T) {
	table := newTestTable()

	assert.Equal(t, RouteRemote, table.Classify("mcp__memory__store"))
	assert.Equal(t, RouteLocal, table.Classify("mcp__git__commit"))
}

func TestTable_Classify_UnknownNamespace(t *testing.T) {
	table := newTestTable()

	assert.Equal(t, RouteLocal, table.Classify("weather:forecast"))
}

func TestTable_Classify_MalformedIdentifier(t *testing.T) {
	table := newTestTable()

	assert.Equal(t, RouteLocal, table.Classify(""))
	assert.Equal(t, RouteLocal, table.Classify(":"))
	assert.Equal(t, RouteLocal, table.Classify("mcp__"))
	// Misspelled namespace is just another unknown.
	assert.Equal(t, RouteLocal, table.Classify("memroy:store"))
}

func TestTable_Classify_RemoteDefault(t *testing.T) {
	table := NewTable(Config{
		LocalNamespaces: []string{"filesystem"},
		Default:         RouteRemote,
	})

	assert.Equal(t, RouteLocal, table.Classify("filesystem:read_file"))
	assert.Equal(t, RouteRemote, table.Classify("anything:else"))
	assert.Equal(t, RouteRemote, table.Classify(""))
}

func TestTable_Classify_RemoteWinsWhenListedTwice(t *testing.T) {
	table := NewTable(Config{
		LocalNamespaces:  []string{"dual"},
		RemoteNamespaces: []string{"dual"},
	})

	assert.Equal(t, RouteRemote, table.Classify("dual:op"))
}

func TestNewTable_DefaultFallback(t *testing.T) {
	table := NewTable(Config{})
	assert.Equal(t, RouteLocal, table.Classify("anything:at_all"))

	table = NewTable(Config{Default: Route("garbage")})
	assert.Equal(t, RouteLocal, table.Classify("anything:at_all"))
}
