package writer

import (
	"errors"
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"undefined table", &pgconn.PgError{Code: "42P01"}, true},
		{"insufficient privilege", &pgconn.PgError{Code: "42501"}, true},
		{"invalid auth", &pgconn.PgError{Code: "28P01"}, true},
		{"bad text representation", &pgconn.PgError{Code: "22P02"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, false},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, false},
		{"connection failure", &pgconn.PgError{Code: "08006"}, false},
		{"network error", &net.OpError{Op: "dial", Err: errors.New("refused")}, false},
		{"plain error", errors.New("timeout"), false},
	}
	for _, tt := range tests {
		if got := isFatal(tt.err); got != tt.want {
			t.Errorf("%s: isFatal = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestIsFatalWrapped(t *testing.T) {
	err := &pgconn.PgError{Code: "42703"}
	if !isFatal(errors.Join(errors.New("copy failed"), err)) {
		t.Error("wrapped PgError must still classify as fatal")
	}
}
