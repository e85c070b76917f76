package migration

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// OperationList is an ordered list of operations that reads and writes the
// revision file form: one mapping per operation, discriminated by "op".
type OperationList []Operation

var decoders = map[Kind]func(*yaml.Node) (Operation, error){
	KindCreateTable:            decodeAs[CreateTable],
	KindDropTable:              decodeAs[DropTable],
	KindAddColumn:              decodeAs[AddColumn],
	KindDropColumn:             decodeAs[DropColumn],
	KindAlterColumnType:        decodeAs[AlterColumnType],
	KindRenameColumn:           decodeAs[RenameColumn],
	KindCreateConstraint:       decodeAs[CreateConstraint],
	KindDropConstraint:         decodeAs[DropConstraint],
	KindCreateEnumType:         decodeAs[CreateEnumType],
	KindDropEnumType:           decodeAs[DropEnumType],
	KindExtendEnumType:         decodeAs[ExtendEnumType],
	KindCreateUniqueConstraint: decodeAs[CreateUniqueConstraint],
	KindDropUniqueConstraint:   decodeAs[DropUniqueConstraint],
	KindCreateForeignKey:       decodeAs[CreateForeignKey],
	KindDropForeignKey:         decodeAs[DropForeignKey],
	KindRawStatement:           decodeAs[RawStatement],
	KindDataBackfill:           decodeAs[DataBackfill],
	KindSyncSearchVector:       decodeAs[SyncSearchVector],
	KindDropSearchVector:       decodeAs[DropSearchVector],
	KindIrreversible:           decodeAs[Irreversible],
}

// decodeAs decodes n strictly into T: unknown keys are errors.
func decodeAs[T Operation](n *yaml.Node) (Operation, error) {
	raw, err := yaml.Marshal(n)
	if err != nil {
		return nil, err
	}
	var op T
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&op); err != nil {
		return nil, err
	}
	return op, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *OperationList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: operations must be a list", value.Line)
	}
	ops := make(OperationList, 0, len(value.Content))
	for i, item := range value.Content {
		if item.Kind != yaml.MappingNode {
			return fmt.Errorf("line %d: operation %d must be a mapping", item.Line, i)
		}
		var kind Kind
		fields := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for k := 0; k+1 < len(item.Content); k += 2 {
			if item.Content[k].Value == "op" {
				kind = Kind(item.Content[k+1].Value)
				continue
			}
			fields.Content = append(fields.Content, item.Content[k], item.Content[k+1])
		}
		decode, ok := decoders[kind]
		if !ok {
			return fmt.Errorf("line %d: operation %d: unknown op %q", item.Line, i, kind)
		}
		op, err := decode(fields)
		if err != nil {
			return fmt.Errorf("line %d: operation %d (%s): %w", item.Line, i, kind, err)
		}
		ops = append(ops, op)
	}
	*l = ops
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (l OperationList) MarshalYAML() (any, error) {
	seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, op := range l {
		n := &yaml.Node{}
		if err := n.Encode(op); err != nil {
			return nil, err
		}
		head := []*yaml.Node{
			{Kind: yaml.ScalarNode, Tag: "!!str", Value: "op"},
			{Kind: yaml.ScalarNode, Tag: "!!str", Value: string(op.Kind())},
		}
		n.Content = append(head, n.Content...)
		n.Style = 0
		seq.Content = append(seq.Content, n)
	}
	return seq, nil
}

type revisionFile struct {
	ID        string        `yaml:"id"`
	Parent    string        `yaml:"parent,omitempty"`
	Message   string        `yaml:"message,omitempty"`
	Created   time.Time     `yaml:"created,omitempty"`
	Upgrade   OperationList `yaml:"upgrade"`
	Downgrade OperationList `yaml:"downgrade"`
}

// ParseRevision decodes one revision file.
func ParseRevision(data []byte) (*Revision, error) {
	var f revisionFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}
	if f.ID == "" {
		return nil, errors.New("revision has no id")
	}
	return &Revision{
		ID:        f.ID,
		Parent:    f.Parent,
		Message:   f.Message,
		Created:   f.Created,
		Upgrade:   f.Upgrade,
		Downgrade: f.Downgrade,
	}, nil
}

// MarshalRevision encodes r in the revision file form.
func MarshalRevision(r *Revision) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	err := enc.Encode(revisionFile{
		ID:        r.ID,
		Parent:    r.Parent,
		Message:   r.Message,
		Created:   r.Created,
		Upgrade:   r.Upgrade,
		Downgrade: r.Downgrade,
	})
	if err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// LoadDir reads every *.yaml and *.yml file at the root of fsys, in name
// order, as one revision each.
func LoadDir(fsys fs.FS) ([]Definition, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read revisions: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch path.Ext(e.Name()) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read revision %s: %w", name, err)
		}
		rev, err := ParseRevision(data)
		if err != nil {
			return nil, fmt.Errorf("parse revision %s: %w", name, err)
		}
		defs = append(defs, rev)
	}
	return defs, nil
}

// LoadGraph reads the revisions in fsys and builds their graph.
func LoadGraph(fsys fs.FS) (*Graph, error) {
	defs, err := LoadDir(fsys)
	if err != nil {
		return nil, err
	}
	return Build(defs...)
}

// NewRevisionID returns a fresh 12 hex digit revision identifier.
func NewRevisionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Slug turns a revision message into a file name fragment.
func Slug(message string) string {
	var b strings.Builder
	underscore := false
	for _, r := range cases.Lower(language.Und).String(message) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	s := strings.TrimSuffix(b.String(), "_")
	if len(s) > 40 {
		s = strings.TrimSuffix(s[:40], "_")
	}
	return s
}

// FileName returns the file name WriteRevision uses for r.
func FileName(r *Revision) string {
	if slug := Slug(r.Message); slug != "" {
		return r.ID + "_" + slug + ".yaml"
	}
	return r.ID + ".yaml"
}

// WriteRevision writes r into dir and returns the file path. It refuses to
// overwrite an existing file.
func WriteRevision(dir string, r *Revision) (string, error) {
	data, err := MarshalRevision(r)
	if err != nil {
		return "", err
	}
	p := filepath.Join(dir, FileName(r))
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create revision file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("write revision file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("write revision file: %w", err)
	}
	return p, nil
}
