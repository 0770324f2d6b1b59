package dataplane

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"testing"
)

func ExampleError() {
	fmt.Println(&Error{
		Inner:   nil,
		Kind:    ErrInternal,
		Message: "test",
		Op:      "ExampleError",
	})

	fmt.Println(&Error{
		Inner:   io.EOF,
		Kind:    ErrNotFound,
		Message: "session not found",
		Op:      "Lookup",
	})
	err := &Error{
		Inner: &Error{
			Inner:   io.EOF,
			Kind:    ErrNotFound,
			Message: "session not found",
			Op:      "Lookup",
		},
		Kind: ErrTransient,
	}
	fmt.Println(err)
	fmt.Println(fmt.Errorf("transfer: oops: %w", &Error{
		Inner:   io.EOF,
		Kind:    ErrNotFound,
		Message: "session not found",
		Op:      "Lookup",
	}))

	// Output:
	// ExampleError [internal]: test
	// Lookup [not found]: session not found: EOF
	// Lookup [not found]: session not found: EOF
	// transfer: oops: Lookup [not found]: session not found: EOF
}

type dureeTestcase struct {
	Err       error
	Permanent bool
	Transient bool
	Version   bool
}

func (tc dureeTestcase) Run(t *testing.T) {
	t.Log(tc.Err)
	if got, want := errors.Is(tc.Err, ErrPermanent), tc.Permanent; got != want {
		t.Errorf("%v: got: %v, want: %v", ErrPermanent, got, want)
	}
	if got, want := errors.Is(tc.Err, ErrTransient), tc.Transient; got != want {
		t.Errorf("%v: got: %v, want: %v", ErrTransient, got, want)
	}
	if got, want := errors.Is(tc.Err, ErrVersionDependent), tc.Version; got != want {
		t.Errorf("%v: got: %v, want: %v", ErrVersionDependent, got, want)
	}
}

func TestDuree(t *testing.T) {
	tt := []dureeTestcase{
		// 0: Permanent
		{
			Err: &Error{
				Inner: errors.New("permanent"),
				Kind:  ErrPermanent,
			},
			Permanent: true,
			Transient: false,
			Version:   false,
		},
		// 1: Transient
		{
			Err: &Error{
				Inner: errors.New("transient"),
				Kind:  ErrTransient,
			},
			Permanent: false,
			Transient: true,
			Version:   false,
		},
		// 2: Version
		{
			Err: &Error{
				Inner: errors.New("version"),
				Kind:  ErrIntegrity,
			},
			Permanent: false,
			Transient: false,
			Version:   true,
		},
		// 3: Broken
		{
			Err: &Error{
				Kind: ErrTransient,
				Inner: &Error{
					Inner: errors.New("confused"),
					Kind:  ErrPermanent,
				},
			},
			Permanent: true,
			Transient: true,
			Version:   false,
		},
	}

	for i, tc := range tt {
		t.Run(strconv.Itoa(i), tc.Run)
	}
}
