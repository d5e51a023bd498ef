// Package offline synthesizes the structured responses the agent returns when
// the network cannot. Callers must be able to tell "no data at all" apart from
// a stale cache hit, so these bodies carry machine-readable markers instead of
// a raw transport error.
package offline

import (
	"bytes"
	"fmt"
	"os"
	"text/template"
	"time"

	sprig "github.com/Masterminds/sprig/v3"
)

const defaultOfflineTemplate = `{"offline": true, "url": {{ .URL | quote }}, "at": {{ .At | quote }}}`

const queuedTemplate = `{"queued": true, "id": {{ .QueueID }}, "url": {{ .URL | quote }}, "at": {{ .At | quote }}}`

// fallbackBody is served when template execution itself fails; the offline
// marker must survive even a broken operator template.
const fallbackBody = `{"offline": true}`

type renderContext struct {
	URL     string
	At      string
	QueueID uint64
}

// Synthesizer renders offline and queued response bodies. Operators may
// replace the offline body with their own template file; the sprig function
// map is available inside it.
type Synthesizer struct {
	offline *template.Template
	queued  *template.Template
	now     func() time.Time
}

// New compiles the body templates. An empty templateFile selects the built-in
// JSON body.
func New(templateFile string) (*Synthesizer, error) {
	funcs := sprig.TxtFuncMap()

	source := defaultOfflineTemplate
	if templateFile != "" {
		raw, err := os.ReadFile(templateFile)
		if err != nil {
			return nil, fmt.Errorf("offline: read template: %w", err)
		}
		source = string(raw)
	}

	offlineTmpl, err := template.New("offline").Funcs(funcs).Parse(source)
	if err != nil {
		return nil, fmt.Errorf("offline: parse template: %w", err)
	}
	queuedTmpl, err := template.New("queued").Funcs(funcs).Parse(queuedTemplate)
	if err != nil {
		return nil, fmt.Errorf("offline: parse queued template: %w", err)
	}

	return &Synthesizer{
		offline: offlineTmpl,
		queued:  queuedTmpl,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// OfflineBody renders the 503 body for a request that found neither cache nor
// network.
func (s *Synthesizer) OfflineBody(url string) []byte {
	return s.render(s.offline, renderContext{URL: url, At: s.now().Format(time.RFC3339)})
}

// QueuedBody renders the 202 body acknowledging a mutation parked for replay.
func (s *Synthesizer) QueuedBody(id uint64, url string) []byte {
	return s.render(s.queued, renderContext{URL: url, QueueID: id, At: s.now().Format(time.RFC3339)})
}

func (s *Synthesizer) render(tmpl *template.Template, data renderContext) []byte {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return []byte(fallbackBody)
	}
	return buf.Bytes()
}
