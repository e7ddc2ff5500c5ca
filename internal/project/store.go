package project

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/CZERTAINLY/Squadt/internal/tipi"
)

const formatVersion = "1"

type xmlProject struct {
	XMLName     xml.Name       `xml:"squadt-project"`
	Version     string         `xml:"version,attr"`
	Count       uint64         `xml:"count,attr"`
	Description string         `xml:"description,omitempty"`
	Processors  []xmlProcessor `xml:"processor"`
}

type xmlProcessor struct {
	Tool               string                 `xml:"tool,attr,omitempty"`
	OutputDirectory    string                 `xml:"output-directory,attr,omitempty"`
	InputConfiguration *xmlInputConfiguration `xml:"input-configuration"`
	Configuration      *xmlConfiguration      `xml:"configuration"`
	Inputs             []xmlInput             `xml:"input"`
	Outputs            []xmlOutput            `xml:"output"`
}

type xmlInputConfiguration struct {
	Category   string `xml:"category,attr"`
	Format     string `xml:"format,attr"`
	Identifier string `xml:"identifier,attr,omitempty"`
}

type xmlConfiguration struct {
	Category     string      `xml:"category,attr"`
	OutputPrefix string      `xml:"output-prefix,attr,omitempty"`
	Options      []xmlOption `xml:"option"`
}

type xmlOption struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type xmlInput struct {
	Identifier string   `xml:"identifier,attr"`
	Object     ObjectID `xml:"object,attr"`
}

type xmlOutput struct {
	Identifier string   `xml:"identifier,attr"`
	ID         ObjectID `xml:"id,attr"`
	Format     string   `xml:"format,attr"`
	Location   string   `xml:"location,attr"`
	Status     Status   `xml:"status,attr"`
	Digest     string   `xml:"digest,attr,omitempty"`
	Timestamp  int64    `xml:"timestamp,attr,omitempty"`
}

// write stores the project file, must be called with m.mx held
func (m *Manager) write() error {
	m.sortProcessors()
	doc := xmlProject{
		Version:     formatVersion,
		Count:       m.count,
		Description: m.description,
	}
	for _, p := range m.ordered() {
		doc.Processors = append(doc.Processors, m.marshalProcessor(p))
	}

	tmp, err := os.CreateTemp(m.store, "."+ProjectFile+".*")
	if err != nil {
		return fmt.Errorf("storing project: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := Encode(tmp, doc); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("storing project: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storing project: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.ProjectFile()); err != nil {
		return fmt.Errorf("storing project: %w", err)
	}
	return nil
}

// Encode writes doc as indented XML
func Encode(w io.Writer, doc any) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func (m *Manager) marshalProcessor(p *Processor) xmlProcessor {
	x := xmlProcessor{
		Tool:            p.tool,
		OutputDirectory: filepath.ToSlash(p.outputDirectory),
	}
	if ic := p.inputConfiguration; ic != nil {
		x.InputConfiguration = &xmlInputConfiguration{Category: ic.Category, Format: ic.Format, Identifier: ic.PrimaryID}
	}
	if c := p.configuration; c != nil {
		x.Configuration = &xmlConfiguration{Category: c.Category, OutputPrefix: c.OutputPrefix}
		for _, name := range slices.Sorted(maps.Keys(c.Options)) {
			x.Configuration.Options = append(x.Configuration.Options, xmlOption{Name: name, Value: c.Options[name]})
		}
	}
	for _, s := range p.inputs {
		x.Inputs = append(x.Inputs, xmlInput{Identifier: s.ID, Object: s.Object})
	}
	for _, s := range p.outputs {
		o := m.objects[s.Object]
		x.Outputs = append(x.Outputs, xmlOutput{
			Identifier: s.ID,
			ID:         o.ID,
			Format:     o.Format,
			Location:   filepath.ToSlash(o.Location),
			Status:     o.Status,
			Digest:     o.Digest,
			Timestamp:  o.Timestamp,
		})
	}
	return x
}

func (m *Manager) restore(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("reading project: %w", err)
	}
	defer f.Close()

	var doc xmlProject
	if err := xml.NewDecoder(f).Decode(&doc); err != nil {
		return fmt.Errorf("reading project %s: %w", path, err)
	}
	if doc.Version != formatVersion {
		return fmt.Errorf("reading project %s: unsupported version %q", path, doc.Version)
	}

	m.mx.Lock()
	defer m.unlock()
	m.count = doc.Count
	m.description = doc.Description

	// objects are referenced by inputs before their generator may be read
	ids := make(map[ObjectID]ObjectID)
	procs := make([]*Processor, 0, len(doc.Processors))
	for _, x := range doc.Processors {
		var ic *tipi.InputConfiguration
		if x.InputConfiguration != nil {
			ic = &tipi.InputConfiguration{
				Category:  x.InputConfiguration.Category,
				Format:    x.InputConfiguration.Format,
				PrimaryID: x.InputConfiguration.Identifier,
			}
		}
		p := m.newProcessor(x.Tool, ic)
		p.outputDirectory = filepath.FromSlash(x.OutputDirectory)
		if c := x.Configuration; c != nil {
			p.configuration = &tipi.Configuration{Category: c.Category, OutputPrefix: c.OutputPrefix}
			for _, o := range c.Options {
				if p.configuration.Options == nil {
					p.configuration.Options = make(map[string]string)
				}
				p.configuration.Options[o.Name] = o.Value
			}
		}
		for _, out := range x.Outputs {
			if _, dup := ids[out.ID]; dup {
				return graphErrorf(ErrDuplicateLocation, "object %d defined twice", out.ID)
			}
			id, err := m.registerOutput(p, out.Identifier, out.Format, filepath.FromSlash(out.Location), out.Status)
			if err != nil {
				return err
			}
			o := m.objects[id]
			o.Digest = out.Digest
			o.Timestamp = out.Timestamp
			if o.Status == InProgress {
				// interrupted while running
				o.Status = Nonexistent
				if m.present(o) {
					o.Status = OutOfDate
				}
			}
			ids[out.ID] = id
		}
		m.order = append(m.order, p.id)
		procs = append(procs, p)
	}

	var errs []error
	for i, x := range doc.Processors {
		for _, in := range x.Inputs {
			id, ok := ids[in.Object]
			if !ok {
				errs = append(errs, graphErrorf(ErrUnknownObject, "input %s refers to object %d", in.Identifier, in.Object))
				continue
			}
			errs = append(errs, m.registerInput(procs[i], in.Identifier, id))
		}
	}
	m.pending = nil
	return errors.Join(errs...)
}
