package nativefunc

import (
	"errors"
	"testing"

	"github.com/romaexec/roma/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestTableCallUnregisteredName(t *testing.T) {
	table := NewTable(nil)
	err := table.Call("missing", &domain.IOProto{}, &domain.MetadataEntry{})
	assert.EqualError(t, err, "Could not find C++ function by name.")
}

func TestTableCallEmptyName(t *testing.T) {
	table := NewTable(map[string]Handler{"callback": func(*domain.IOProto, *domain.MetadataEntry) error { return nil }})
	err := table.Call("", &domain.IOProto{}, &domain.MetadataEntry{})
	assert.EqualError(t, err, "Could not find C++ function by name.")
}

func TestTableCallHandlerFailure(t *testing.T) {
	table := NewTable(map[string]Handler{
		"boom": func(*domain.IOProto, *domain.MetadataEntry) error { return errors.New("internal detail") },
	})
	err := table.Call("boom", &domain.IOProto{}, &domain.MetadataEntry{})
	assert.EqualError(t, err, "Failed to execute the C++ function.")
}

func TestTableCallSuccessPopulatesOutput(t *testing.T) {
	table := NewTable(map[string]Handler{
		"callback": func(io *domain.IOProto, _ *domain.MetadataEntry) error {
			s := "I am a callback"
			io.OutputString = &s
			return nil
		},
	})
	io := &domain.IOProto{}
	err := table.Call("callback", io, &domain.MetadataEntry{})
	assert.NoError(t, err)
	assert.Equal(t, "I am a callback", *io.OutputString)
}

func TestTableNames(t *testing.T) {
	table := NewTable(map[string]Handler{
		"a": func(*domain.IOProto, *domain.MetadataEntry) error { return nil },
		"b": func(*domain.IOProto, *domain.MetadataEntry) error { return nil },
	})
	assert.ElementsMatch(t, []string{"a", "b"}, table.Names())
}
