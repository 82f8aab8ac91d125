package workerproc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Processor executes one job's domain logic, given the raw job JSON.
type Processor func(content []byte) error

// Serve runs the worker side of the protocol: decode one Request at a time
// from in, invoke process, encode a Response to out, and repeat until in
// reaches EOF. A panic inside process is deliberately left unrecovered: it
// crashes the worker process, which the boss's Pool observes as its pipe
// closing and treats as a fatal result. Recovering here would turn every
// fatal into a mere error.
func Serve(in io.Reader, out io.Writer, process Processor) error {
	dec := json.NewDecoder(in)
	enc := json.NewEncoder(out)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("workerproc: decode request: %w", err)
		}

		resp := Response{Ident: req.Ident, Outcome: OutcomeOK}
		if err := process(req.Content); err != nil {
			resp.Outcome = OutcomeError
			resp.Message = err.Error()
		}

		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("workerproc: encode response: %w", err)
		}
	}
}
