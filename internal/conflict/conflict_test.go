package conflict

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	fierrors "github.com/finarchive/finarchive/internal/errors"
)

func sampleConflict() Conflict {
	return Conflict{
		Count:       7,
		KeyColumns:  []string{"date", "type", "Symb"},
		Sample:      [][]string{{"2024-09-03", "G", "AAPL"}},
		Path:        "data/top_movers.csv",
		BatchRows:   10,
		ArchiveRows: 40,
	}
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		input string
		want  Resolution
		err   bool
	}{
		{"y", Allow, false},
		{"YES", Allow, false},
		{"  Yes ", Allow, false},
		{"n", Deny, false},
		{"No", Deny, false},
		{"", Deny, false},
		{"maybe", Deny, true},
		{"yep", Deny, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseResponse(tt.input)
			if tt.err {
				if !errors.Is(err, fierrors.ErrInvalidUserResponse) {
					t.Fatalf("expected InvalidUserResponse, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseResponse(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestPrompter_Answers(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Resolution
	}{
		{"yes", "y\n", Allow},
		{"no", "N\n", Deny},
		{"empty line defaults to deny", "\n", Deny},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			p := NewPrompterWithIO(strings.NewReader(tt.input), out, time.Second, nil)

			got, err := p.Resolve(context.Background(), sampleConflict())
			if err != nil {
				t.Fatalf("Resolve() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Resolve() = %v, want %v", got, tt.want)
			}
			if !strings.Contains(out.String(), "Y or N?") {
				t.Errorf("prompt not written: %q", out.String())
			}
			if !strings.Contains(out.String(), "(2024-09-03, G, AAPL)") {
				t.Errorf("summary should list sample keys: %q", out.String())
			}
		})
	}
}

func TestPrompter_InvalidAnswer(t *testing.T) {
	p := NewPrompterWithIO(strings.NewReader("perhaps\n"), io.Discard, time.Second, nil)
	_, err := p.Resolve(context.Background(), sampleConflict())
	if !errors.Is(err, fierrors.ErrInvalidUserResponse) {
		t.Fatalf("expected InvalidUserResponse, got %v", err)
	}
}

func TestPrompter_TimeoutDenies(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()

	out := &bytes.Buffer{}
	p := NewPrompterWithIO(r, out, 50*time.Millisecond, nil)

	start := time.Now()
	got, err := p.Resolve(context.Background(), sampleConflict())
	if err != nil {
		t.Fatalf("Resolve() unexpected error: %v", err)
	}
	if got != Deny {
		t.Errorf("timeout should deny, got %v", got)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("prompt did not honor its timeout")
	}
	if !strings.Contains(out.String(), "No answer within timeout") {
		t.Errorf("timeout notice missing: %q", out.String())
	}
}

func TestPrompter_LateAnswerDiscarded(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	p := NewPrompterWithIO(r, io.Discard, 50*time.Millisecond, nil)
	ctx := context.Background()

	if got, err := p.Resolve(ctx, sampleConflict()); err != nil || got != Deny {
		t.Fatalf("first prompt = %v, %v; want deny", got, err)
	}

	// answer arrives after the first prompt gave up
	if _, err := io.WriteString(w, "y\n"); err != nil {
		t.Fatalf("write answer: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	got, err := p.Resolve(ctx, sampleConflict())
	if err != nil {
		t.Fatalf("second prompt unexpected error: %v", err)
	}
	if got != Deny {
		t.Errorf("late answer applied to the next prompt: got %v, want deny", got)
	}

	// answers typed while a question is open still count
	p.timeout = 2 * time.Second
	done := make(chan Resolution, 1)
	go func() {
		res, _ := p.Resolve(ctx, sampleConflict())
		done <- res
	}()
	time.Sleep(50 * time.Millisecond)
	if _, err := io.WriteString(w, "y\n"); err != nil {
		t.Fatalf("write answer: %v", err)
	}
	if got := <-done; got != Allow {
		t.Errorf("third prompt = %v, want allow", got)
	}
}

func TestPrompter_ClosedInputDenies(t *testing.T) {
	p := NewPrompterWithIO(strings.NewReader(""), io.Discard, time.Second, nil)
	got, err := p.Resolve(context.Background(), sampleConflict())
	if err != nil || got != Deny {
		t.Fatalf("got %v, %v; want deny", got, err)
	}
}

func TestPrompter_ContextCancel(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	p := NewPrompterWithIO(r, io.Discard, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Resolve(ctx, sampleConflict()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestFixedAndPolicyFunc(t *testing.T) {
	got, err := Fixed(Allow).Resolve(context.Background(), sampleConflict())
	if err != nil || got != Allow {
		t.Errorf("Fixed(Allow) = %v, %v", got, err)
	}

	calls := 0
	pf := PolicyFunc(func(ctx context.Context, c Conflict) (Resolution, error) {
		calls++
		if c.Count != 7 {
			t.Errorf("conflict not passed through: %+v", c)
		}
		return Deny, nil
	})
	if got, _ := pf.Resolve(context.Background(), sampleConflict()); got != Deny || calls != 1 {
		t.Errorf("PolicyFunc = %v after %d calls", got, calls)
	}
}

func TestConflictSummary(t *testing.T) {
	s := sampleConflict().Summary()
	if !strings.Contains(s, "7 of 10 new rows") || !strings.Contains(s, "and 6 more") {
		t.Errorf("unexpected summary: %q", s)
	}
	if !strings.Contains(Conflict{Count: 1}.Summary(), "the stored table") {
		t.Error("in-memory merge should name the stored table")
	}
}
