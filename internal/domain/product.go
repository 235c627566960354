package domain

// DataType is a kind of input a product can consume.
type DataType string

// Supported input data types.
const (
	DataTypeSource DataType = "SOURCE"
	DataTypeBinary DataType = "BINARY"
	DataTypeNone   DataType = "NONE"
)

// ProductParameter describes one configuration key a product understands.
type ProductParameter struct {
	Key         string `yaml:"key"`
	Description string `yaml:"description"`
	Default     string `yaml:"default,omitempty"`
}

// Product is an external scan tool this server can launch.
type Product struct {
	ID                  string             `yaml:"id"`
	Path                string             `yaml:"path"`
	ScanType            string             `yaml:"scanType"`
	Description         string             `yaml:"description"`
	SupportedDataTypes  []DataType         `yaml:"supportedDataTypes"`
	MandatoryParameters []ProductParameter `yaml:"mandatoryParameters"`
	OptionalParameters  []ProductParameter `yaml:"optionalParameters"`
}

// Accepts reports whether the product accepts input of type dt. A product
// that declares no data types accepts NONE only.
func (p *Product) Accepts(dt DataType) bool {
	if len(p.SupportedDataTypes) == 0 {
		return dt == DataTypeNone
	}
	for _, t := range p.SupportedDataTypes {
		if t == dt {
			return true
		}
	}
	return false
}

// DataRequirement states which inputs an upstream model declares for one scan type.
type DataRequirement struct {
	Source bool `json:"source"`
	Binary bool `json:"binary"`
}

// UpstreamModel is the orchestrator-side configuration model attached to a
// job. It declares, per scan type, which input data the scan really needs.
type UpstreamModel struct {
	ScanTypes map[string]DataRequirement `json:"scanTypes"`
}

// RequiresSource reports whether scanType needs SOURCE data.
func (m *UpstreamModel) RequiresSource(scanType string) bool {
	return m != nil && m.ScanTypes[scanType].Source
}

// RequiresBinary reports whether scanType needs BINARY data.
func (m *UpstreamModel) RequiresBinary(scanType string) bool {
	return m != nil && m.ScanTypes[scanType].Binary
}

// Upload names of the input archives a job can receive.
const (
	SourceArchiveName = "sourcecode.zip"
	BinaryArchiveName = "binaries.tar"
)

// InputArchiveNames lists every accepted upload name.
var InputArchiveNames = []string{SourceArchiveName, BinaryArchiveName}
