package conflict

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultPromptTimeout is how long the prompter waits for an answer.
const DefaultPromptTimeout = 5 * time.Second

// Prompter is a Policy that asks an operator through a text stream and
// waits a bounded time for the answer. No answer in time means Deny.
type Prompter struct {
	in      io.Reader
	out     io.Writer
	timeout time.Duration
	logger  *zap.Logger

	once  sync.Once
	lines chan string
}

// NewPrompter creates a prompter on stdin and stdout.
func NewPrompter(timeout time.Duration, logger *zap.Logger) *Prompter {
	return NewPrompterWithIO(os.Stdin, os.Stdout, timeout, logger)
}

// NewPrompterWithIO creates a prompter on the given streams.
func NewPrompterWithIO(in io.Reader, out io.Writer, timeout time.Duration, logger *zap.Logger) *Prompter {
	if timeout <= 0 {
		timeout = DefaultPromptTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prompter{
		in:      in,
		out:     out,
		timeout: timeout,
		logger:  logger,
	}
}

// startReader launches the goroutine feeding lines from the input stream.
// A read blocked on a terminal cannot be interrupted, so one reader serves
// every prompt instead of one per call.
func (p *Prompter) startReader() {
	p.lines = make(chan string)
	go func() {
		defer close(p.lines)
		sc := bufio.NewScanner(p.in)
		for sc.Scan() {
			p.lines <- sc.Text()
		}
	}()
}

// discardPending drops lines typed while no question was open. They answer an
// earlier prompt that already timed out, never the one about to be asked.
func (p *Prompter) discardPending() {
	for {
		select {
		case line, ok := <-p.lines:
			if !ok {
				return
			}
			p.logger.Info("discarding answer typed after its prompt timed out", zap.String("line", line))
		default:
			return
		}
	}
}

// Resolve prints the conflict summary and a Y or N question, then waits for
// one line of input.
func (p *Prompter) Resolve(ctx context.Context, c Conflict) (Resolution, error) {
	p.once.Do(p.startReader)
	p.discardPending()

	fmt.Fprint(p.out, c.Summary())
	fmt.Fprintf(p.out, "Do you want to overwrite the stored rows? Y or N? (default N in %s)\n", p.timeout)

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case line, ok := <-p.lines:
		if !ok {
			fmt.Fprintln(p.out, "No answer available, keeping stored rows.")
			p.logger.Info("conflict prompt input closed, denying", zap.Int("conflicts", c.Count))
			return Deny, nil
		}
		res, err := ParseResponse(line)
		if err != nil {
			return Deny, err
		}
		p.logger.Info("conflict resolved by operator", zap.String("resolution", res.String()), zap.Int("conflicts", c.Count))
		return res, nil
	case <-timer.C:
		fmt.Fprintln(p.out, "No answer within timeout, keeping stored rows.")
		p.logger.Info("conflict prompt timed out, denying", zap.Duration("timeout", p.timeout), zap.Int("conflicts", c.Count))
		return Deny, nil
	case <-ctx.Done():
		return Deny, ctx.Err()
	}
}
