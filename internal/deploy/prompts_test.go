package deploy

import (
	"context"
	"errors"
	"testing"
)

type fakeConfirmer struct {
	answer bool
	err    error
	asked  []string
}

func (c *fakeConfirmer) Confirm(_ context.Context, message string) (bool, error) {
	c.asked = append(c.asked, message)
	return c.answer, c.err
}

func TestPromptForFailurePolicies(t *testing.T) {
	readErr := errors.New("stdin closed")

	tests := []struct {
		name           string
		labels         []string
		force          bool
		nonInteractive bool
		confirm        *fakeConfirmer
		wantErr        error
		wantAsked      int
	}{
		{
			name:    "no failure policies",
			confirm: &fakeConfirmer{},
		},
		{
			name:           "non-interactive forced",
			labels:         []string{"a(us-central1)"},
			force:          true,
			nonInteractive: true,
			confirm:        &fakeConfirmer{},
		},
		{
			name:           "non-interactive not forced",
			labels:         []string{"a(us-central1)"},
			nonInteractive: true,
			confirm:        &fakeConfirmer{},
			wantErr:        ErrFailurePolicyNotConfirmed,
		},
		{
			name:      "interactive accepted",
			labels:    []string{"a(us-central1)"},
			confirm:   &fakeConfirmer{answer: true},
			wantAsked: 1,
		},
		{
			name:      "interactive forced still asks",
			labels:    []string{"a(us-central1)"},
			force:     true,
			confirm:   &fakeConfirmer{answer: true},
			wantAsked: 1,
		},
		{
			name:      "interactive declined",
			labels:    []string{"a(us-central1)"},
			confirm:   &fakeConfirmer{answer: false},
			wantErr:   ErrCanceled,
			wantAsked: 1,
		},
		{
			name:      "read failure",
			labels:    []string{"a(us-central1)"},
			confirm:   &fakeConfirmer{err: readErr},
			wantErr:   readErr,
			wantAsked: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := PromptForFailurePolicies(context.Background(), discardLogger(),
				tt.labels, tt.force, tt.nonInteractive, tt.confirm)
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Errorf("PromptForFailurePolicies() = %v, want %v", err, tt.wantErr)
			}
			if len(tt.confirm.asked) != tt.wantAsked {
				t.Errorf("asked %d questions, want %d", len(tt.confirm.asked), tt.wantAsked)
			}
		})
	}
}

func TestConfirmDeletes(t *testing.T) {
	tests := []struct {
		name           string
		labels         []string
		force          bool
		nonInteractive bool
		answer         bool
		want           bool
		wantErr        error
		wantAsked      int
	}{
		{name: "nothing to delete", want: true},
		{name: "forced", labels: []string{"old(us-central1)"}, force: true, nonInteractive: true, want: true},
		{name: "non-interactive", labels: []string{"old(us-central1)"}, nonInteractive: true, wantErr: ErrDeleteNotConfirmed},
		{name: "accepted", labels: []string{"old(us-central1)"}, answer: true, want: true, wantAsked: 1},
		{name: "declined", labels: []string{"old(us-central1)"}, answer: false, want: false, wantAsked: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeConfirmer{answer: tt.answer}
			got, err := confirmDeletes(context.Background(), discardLogger(),
				tt.labels, tt.force, tt.nonInteractive, c)
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Fatalf("confirmDeletes() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("confirmDeletes() = %v, want %v", got, tt.want)
			}
			if len(c.asked) != tt.wantAsked {
				t.Errorf("asked %d questions, want %d", len(c.asked), tt.wantAsked)
			}
		})
	}
}
