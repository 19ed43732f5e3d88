package stages

import (
	"bytes"
	"testing"

	"github.com/danmuck/edgemux/internal/pipeline"
)

type capture struct {
	events   []pipeline.Message
	commands []pipeline.Message
}

func (c *capture) sinks() pipeline.Sinks {
	return pipeline.Sinks{
		Application: func(m pipeline.Message) { c.events = append(c.events, m) },
		Transport:   func(m pipeline.Message) { c.commands = append(c.commands, m) },
	}
}

// wire concatenates Bytes commands in emission order.
func (c *capture) wire() []byte {
	var b bytes.Buffer
	for _, m := range c.commands {
		if m.Kind == pipeline.KindBytes {
			b.Write(m.Body)
		}
	}
	return b.Bytes()
}

func (c *capture) kinds() []pipeline.Kind {
	out := make([]pipeline.Kind, 0, len(c.commands))
	for _, m := range c.commands {
		out = append(out, m.Kind)
	}
	return out
}

func (c *capture) reset() {
	c.events = nil
	c.commands = nil
}

func instantiate(t *testing.T, name string, f pipeline.Factory) (*pipeline.Pipeline, *capture) {
	t.Helper()
	tmpl, err := pipeline.Compose(struct{}{}, pipeline.Entry(name, func(struct{}) (pipeline.Factory, error) {
		return f, nil
	}))
	if err != nil {
		t.Fatalf("compose %s: %v", name, err)
	}
	c := &capture{}
	return tmpl.New(c.sinks()), c
}

func bytesEvent(s string) pipeline.Message {
	return pipeline.Message{Kind: pipeline.KindBytes, Body: []byte(s)}
}
