// Package layout describes where the fields of kernel records live.
//
// Structure layouts differ between kernel builds, so nothing in cacheinspect
// hard-codes an offset. A layout file (YAML) lists, per record, the offset and
// size of every field the engine reads; it is typically produced from the
// kernel's debuginfo with pahole or crash's "struct -o". Resolve turns the
// loosely typed file into a Layout whose fields are plain integers, failing
// fast with the complete list of missing fields.
//
// Example:
//
//	page_size: 4096
//	page_offset: 0xffff888000000000
//	vmemmap_base: 0xffffea0000000000
//	xarray:
//	  format: xarray
//	symbols:
//	  init_task: 0xffffffff82a12940
//	records:
//	  dentry:
//	    size: 192
//	    fields:
//	      d_parent: 24
//	      d_iname: {offset: 56, size: 32}
package layout

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Hex is an unsigned value that may be written in YAML as a decimal or a
// 0x-prefixed hexadecimal number. Kernel addresses do not fit an int64, so
// they are parsed from the scalar text rather than through yaml's int path.
type Hex uint64

func (h *Hex) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a number", node.Line)
	}
	v, err := strconv.ParseUint(strings.ReplaceAll(node.Value, "_", ""), 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid number %q", node.Line, node.Value)
	}
	*h = Hex(v)
	return nil
}

func (h Hex) MarshalYAML() (any, error) {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: fmt.Sprintf("0x%x", uint64(h))}, nil
}

// Field locates one member inside a record.
//
// In YAML a field is either a bare offset or a mapping with offset and size.
type Field struct {
	Offset Hex `yaml:"offset"`
	Size   Hex `yaml:"size,omitempty"`
}

func (f *Field) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		f.Size = 0
		return f.Offset.UnmarshalYAML(node)
	}
	type plain Field
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*f = Field(p)
	return nil
}

// Record is one kernel structure.
type Record struct {
	Size   Hex              `yaml:"size,omitempty"`
	Fields map[string]Field `yaml:"fields,omitempty"`
}

// XArraySpec selects the page cache index format.
type XArraySpec struct {
	// Format is "xarray" (4.20+) or "radix" (older radix_tree_root)
	Format string `yaml:"format" validate:"omitempty,oneof=xarray radix"`

	// ChunkShift is XA_CHUNK_SHIFT / RADIX_TREE_MAP_SHIFT (default 6)
	ChunkShift uint `yaml:"chunk_shift" validate:"omitempty,min=2,max=8"`
}

// Spec is the on-disk layout description.
type Spec struct {
	// PageSize is the base page size of the snapshot
	PageSize Hex `yaml:"page_size" validate:"required"`

	// PageOffset is the virtual base of the direct map
	PageOffset Hex `yaml:"page_offset" validate:"required"`

	// VmemmapBase is the virtual address of the struct page array
	VmemmapBase Hex `yaml:"vmemmap_base" validate:"required"`

	XArray XArraySpec `yaml:"xarray"`

	// Symbols maps kernel symbol names to addresses
	Symbols map[string]Hex `yaml:"symbols"`

	// Records maps structure names to their fields
	Records map[string]Record `yaml:"records" validate:"required"`
}

// Load reads and validates a layout file.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read layout file: %w", err)
	}
	spec, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}

// Parse decodes and validates a layout document. Unknown top-level keys are
// rejected so a typo does not silently drop a field.
func Parse(data []byte) (*Spec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var spec Spec
	if err := dec.Decode(&spec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("layout is empty")
		}
		return nil, fmt.Errorf("failed to parse layout: %w", err)
	}
	if err := validate.Struct(&spec); err != nil {
		return nil, formatValidationError(err)
	}
	if spec.PageSize&(spec.PageSize-1) != 0 {
		return nil, fmt.Errorf("page_size: %d is not a power of two", spec.PageSize)
	}
	return &spec, nil
}

// Marshal renders a Spec as YAML.
func Marshal(spec *Spec) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(spec); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
