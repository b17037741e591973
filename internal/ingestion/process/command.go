package process

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/zsiec/cadence/internal/config"
)

// optionalArg is replaced by the optional arguments instead of being
// rendered.
const optionalArg = "{{.Optional}}"

// TemplateData is what each configured argument is rendered against.
type TemplateData struct {
	VideoPipe    string
	Width        int
	Height       int
	AudioPipe    string
	SampleRate   int
	Channels     int
	CacheSize    int
	Resource     string
	SampleFormat string
	Optional     string
}

// OptionalArgs returns the arguments appended for a forced input rate and
// the operator's extra parameters.
func OptionalArgs(forcedFPS float64, extra string) []string {
	var out []string
	if forcedFPS > 0 {
		out = append(out, "-fps", strconv.FormatFloat(forcedFPS, 'f', -1, 64))
	}
	return append(out, strings.Fields(extra)...)
}

// BuildArgs renders the argument templates. An argument equal to
// "{{.Optional}}" expands to optional, possibly nothing.
func BuildArgs(templates []string, data TemplateData, optional []string) ([]string, error) {
	data.Optional = strings.Join(optional, " ")
	args := make([]string, 0, len(templates)+len(optional))
	var buf bytes.Buffer
	for i, raw := range templates {
		if strings.TrimSpace(raw) == optionalArg {
			args = append(args, optional...)
			continue
		}
		tmpl, err := template.New(strconv.Itoa(i)).Option("missingkey=error").Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("argument %d %q: %w", i, raw, err)
		}
		buf.Reset()
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("argument %d %q: %w", i, raw, err)
		}
		args = append(args, buf.String())
	}
	return args, nil
}

// newTemplateData fills the template fields from a session's configuration.
func newTemplateData(pc config.ProcessConfig, cfg config.ProducerConfig, resource, videoPipe, audioPipe string) TemplateData {
	return TemplateData{
		VideoPipe:    videoPipe,
		Width:        cfg.Width,
		Height:       cfg.Height,
		AudioPipe:    audioPipe,
		SampleRate:   cfg.SampleRate,
		Channels:     cfg.Channels,
		CacheSize:    pc.CacheSize,
		Resource:     resource,
		SampleFormat: cfg.SampleFormat,
	}
}
