package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

type rule struct {
	name string
	re   *regexp.Regexp
	repl string
}

// Redactor scrubs credentials that task parameters tend to carry: URL
// userinfo, bearer headers, token query parameters and secret environment
// assignments in commands. Keys are kept so the log line stays readable.
type Redactor struct {
	rules []rule
}

// NewRedactor creates a redactor with the built-in rules
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []rule{
			{"bearer", regexp.MustCompile(`(Bearer\s+)[A-Za-z0-9._~+/-]+=*`), "${1}" + redacted},
			{"userinfo", regexp.MustCompile(`(://)[^/\s:@"]+:[^/\s@"]+@`), "${1}" + redacted + "@"},
			{"query", regexp.MustCompile(`(?i)([?&](?:token|access_token|api_key|apikey|key|sig|signature)=)[^&\s"]+`), "${1}" + redacted},
			{"env", regexp.MustCompile(`\b([A-Z][A-Z0-9_]*(?:TOKEN|SECRET|PASSWORD|API_KEY)=)[^\s"]+`), "${1}" + redacted},
			{"github", regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{20,}`), redacted},
			{"keyvalue", regexp.MustCompile(`(?i)((?:password|passwd|secret)["\s:=]+)[^\s"&,]+`), "${1}" + redacted},
		},
	}
}

// AddPattern adds a rule replacing every match of pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{name: "custom", re: re, repl: redacted})
	return nil
}

// Redact applies every rule to s
func (r *Redactor) Redact(s string) string {
	for _, rl := range r.rules {
		s = rl.re.ReplaceAllString(s, rl.repl)
	}
	return s
}

// Wrap returns a writer that redacts before writing to w
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{out: w, r: r}
}

type redactingWriter struct {
	out io.Writer
	r   *Redactor
}

// Write reports len(p) on success; zerolog treats a shorter count as a
// short write.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.out, w.r.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
