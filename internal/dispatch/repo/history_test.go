package repo

import "testing"

func TestHistoryRebind(t *testing.T) {
	q := `INSERT INTO t (a, b) VALUES (?,?)`
	if got := NewHistoryRepo(nil, "mysql").rebind(q); got != q {
		t.Fatalf("mysql query must be unchanged, got %q", got)
	}
	want := `INSERT INTO t (a, b) VALUES ($1,$2)`
	if got := NewHistoryRepo(nil, "pgx").rebind(q); got != want {
		t.Fatalf("rebind = %q, want %q", got, want)
	}
}

func TestNewOTPFormat(t *testing.T) {
	for i := 0; i < 50; i++ {
		otp, err := NewOTP()
		if err != nil {
			t.Fatalf("NewOTP: %v", err)
		}
		if len(otp) != 4 {
			t.Fatalf("expected 4 digits, got %q", otp)
		}
		for _, ch := range otp {
			if ch < '0' || ch > '9' {
				t.Fatalf("non-digit in %q", otp)
			}
		}
	}
}
