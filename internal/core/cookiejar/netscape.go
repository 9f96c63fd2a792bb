package cookiejar

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

const httpOnlyPrefix = "#HttpOnly_"

// LoadNetscapeFile reads a Netscape-format cookie file (spec §4.2, §6) and
// returns a Jar populated from it. Lines are tab-separated:
//
//	domain \t include_subdomains \t path \t secure \t expiration \t name \t value
//
// A leading '#' is a comment, except for the "#HttpOnly_" prefix, which
// strips to the real domain and marks the cookie HTTP-only.
func LoadNetscapeFile(path string) (*Jar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cookiejar: open %s: %w", path, err)
	}
	defer f.Close()

	j := New()
	if err := j.readNetscape(f); err != nil {
		return nil, fmt.Errorf("cookiejar: parse %s: %w", path, err)
	}
	return j, nil
}

func (j *Jar) readNetscape(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		httpOnly := false
		if strings.HasPrefix(line, httpOnlyPrefix) {
			httpOnly = true
			line = strings.TrimPrefix(line, httpOnlyPrefix)
		} else if strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) != 7 {
			continue
		}

		expUnix, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			continue
		}
		var expiration time.Time
		if expUnix != 0 {
			expiration = time.Unix(expUnix, 0)
		}

		j.Add(Cookie{
			Domain:            fields[0],
			IncludeSubdomains: fields[1] == "TRUE",
			Path:              fields[2],
			Secure:            fields[3] == "TRUE",
			HTTPOnly:          httpOnly,
			Expiration:        expiration,
			Name:              fields[5],
			Value:             fields[6],
		})
	}
	return scanner.Err()
}

// Save writes every stored cookie (expired ones are dropped first) to path
// in Netscape format, preserving the HttpOnly prefix convention on reload.
func (j *Jar) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cookiejar: create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := w.WriteString("# Netscape HTTP Cookie File\n"); err != nil {
		return err
	}

	now := time.Now()
	for _, c := range j.All() {
		if c.Expired(now) {
			continue
		}
		if err := writeNetscapeLine(w, c); err != nil {
			return err
		}
	}
	return w.Flush()
}

func writeNetscapeLine(w *bufio.Writer, c Cookie) error {
	domainField := c.Domain
	if c.HTTPOnly {
		domainField = httpOnlyPrefix + domainField
	}

	var expUnix int64
	if !c.Expiration.IsZero() {
		expUnix = c.Expiration.Unix()
	}

	_, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
		domainField,
		boolField(c.IncludeSubdomains),
		c.Path,
		boolField(c.Secure),
		expUnix,
		c.Name,
		c.Value,
	)
	return err
}

func boolField(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}
