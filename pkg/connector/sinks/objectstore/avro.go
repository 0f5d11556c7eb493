package objectstore

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/linkedin/goavro/v2"

	"github.com/big-armor/datapm-sub007/pkg/compression"
	"github.com/big-armor/datapm-sub007/pkg/errors"
	"github.com/big-armor/datapm-sub007/pkg/json"
	"github.com/big-armor/datapm-sub007/pkg/models"
	"github.com/big-armor/datapm-sub007/pkg/schema"
)

var invalidAvroName = regexp.MustCompile(`[^A-Za-z0-9_]`)

// avroName turns a property or schema slug into a valid Avro name
func avroName(name string) string {
	n := invalidAvroName.ReplaceAllString(name, "_")
	if n == "" || (n[0] >= '0' && n[0] <= '9') {
		n = "_" + n
	}
	return n
}

func avroCodec(alg compression.Algorithm) (string, error) {
	switch alg {
	case compression.None:
		return goavro.CompressionNullLabel, nil
	case compression.Deflate:
		return goavro.CompressionDeflateLabel, nil
	case compression.Snappy:
		return goavro.CompressionSnappyLabel, nil
	case compression.Zstd:
		return goavro.CompressionZstandardLabel, nil
	default:
		return "", errors.Newf(errors.ErrorTypeConfig, "compression %q is not supported for avro", alg)
	}
}

type avroField struct {
	property string
	name     string
	branch   string
}

// avroEncoder writes groups of records as self-contained OCF parts
type avroEncoder struct {
	codec  *goavro.Codec
	fields []avroField
	label  string
}

func newAvroEncoder(schemaSlug string, desc *schema.SchemaDescriptor, alg compression.Algorithm) (*avroEncoder, error) {
	label, err := avroCodec(alg)
	if err != nil {
		return nil, err
	}

	enc := &avroEncoder{label: label}
	fields := make([]map[string]interface{}, 0, len(desc.Properties))
	used := make(map[string]bool)
	for _, prop := range desc.PropertyNames() {
		name := avroName(prop)
		for used[name] {
			name += "_"
		}
		used[name] = true

		branch, typ := avroType(desc.Properties[prop])
		enc.fields = append(enc.fields, avroField{property: prop, name: name, branch: branch})
		fields = append(fields, map[string]interface{}{
			"name":    name,
			"type":    []interface{}{"null", typ},
			"default": nil,
		})
	}

	def, err := json.Marshal(map[string]interface{}{
		"type":   "record",
		"name":   avroName(schemaSlug),
		"fields": fields,
	})
	if err != nil {
		return nil, err
	}
	codec, err := goavro.NewCodec(string(def))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to build avro schema").
			WithDetail("schema", schemaSlug)
	}
	enc.codec = codec
	return enc, nil
}

// avroType picks the Avro type for a property with at most one non-null
// value type. Anything else is written as a string.
func avroType(prop *schema.PropertyDescriptor) (string, interface{}) {
	types := prop.NonNullTypes()
	if len(types) != 1 {
		return "string", "string"
	}
	switch types[0] {
	case schema.Boolean:
		return "boolean", "boolean"
	case schema.Integer:
		return "long", "long"
	case schema.Number:
		return "double", "double"
	case schema.DateTime:
		return "long.timestamp-millis", map[string]interface{}{"type": "long", "logicalType": "timestamp-millis"}
	default:
		return "string", "string"
	}
}

func (e *avroEncoder) native(record map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(e.fields))
	for _, f := range e.fields {
		v, ok := record[f.property]
		if !ok || v == nil {
			out[f.name] = nil
			continue
		}
		switch f.branch {
		case "string":
			v = schema.FormatValue(v)
		case "double":
			if n, ok := v.(int64); ok {
				v = float64(n)
			}
		}
		out[f.name] = goavro.Union(f.branch, v)
	}
	return out
}

// Encode renders one OCF file holding every record of the group
func (e *avroEncoder) Encode(group []models.RecordContext) ([]byte, error) {
	var buf bytes.Buffer
	w, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               &buf,
		Codec:           e.codec,
		CompressionName: e.label,
	})
	if err != nil {
		return nil, err
	}
	natives := make([]interface{}, len(group))
	for i, rc := range group {
		natives[i] = e.native(rc.Record)
	}
	if err := w.Append(natives); err != nil {
		return nil, fmt.Errorf("failed to append avro records: %w", err)
	}
	return buf.Bytes(), nil
}

// Schema returns the Avro schema text
func (e *avroEncoder) Schema() string {
	return strings.TrimSpace(e.codec.Schema())
}
