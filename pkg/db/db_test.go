package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestDialectByType(t *testing.T) {
	cases := []struct {
		typ  string
		name string
	}{
		{typ: "postgres", name: "postgres"},
		{typ: "", name: "postgres"},
		{typ: "mysql", name: "mysql"},
		{typ: "sqlite", name: "sqlite"},
	}
	for _, tc := range cases {
		dialector, err := Dialect(Config{Type: tc.typ, Name: "curlara"})
		assert.NoError(t, err, tc.typ)
		assert.Equal(t, tc.name, dialector.Name(), tc.typ)
	}

	_, err := Dialect(Config{Type: "oracle"})
	assert.Error(t, err)
}

func TestIsDuplicateKeyErr(t *testing.T) {
	assert.False(t, IsDuplicateKeyErr(nil))
	assert.True(t, IsDuplicateKeyErr(fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey)))
	assert.True(t, IsDuplicateKeyErr(errors.New("UNIQUE constraint failed: unresolved_payments.provider_event_id")))
	assert.True(t, IsDuplicateKeyErr(errors.New(`ERROR: duplicate key value violates unique constraint "x" (SQLSTATE 23505)`)))
	assert.False(t, IsDuplicateKeyErr(errors.New("boom")))
}
