// Package catalog loads the products this server can execute.
package catalog

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"delegate-server/internal/domain"
)

// SupportedAPIVersion is the only accepted catalog document version.
const SupportedAPIVersion = "delegate/v1"

// Document is the on-disk shape of a product catalog file.
type Document struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	ServerID   string           `yaml:"serverId,omitempty"`
	Products   []domain.Product `yaml:"products"`
}

var _ domain.ProductCatalog = (*Products)(nil)

// Products is an immutable, validated set of products keyed by id.
type Products struct {
	serverID string
	byID     map[string]domain.Product
	order    []string
}

// LoadFile reads and validates the catalog at path.
func LoadFile(path string) (*Products, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("open product catalog: %w", err)
	}
	defer f.Close() //nolint:errcheck
	products, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return products, nil
}

// Load decodes a catalog document from r. Unknown fields are rejected.
func Load(r io.Reader) (*Products, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read product catalog: %w", err)
	}

	var doc Document
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse product catalog: %w", err)
	}
	return New(doc)
}

// New validates doc and builds the lookup table.
func New(doc Document) (*Products, error) {
	if doc.APIVersion != SupportedAPIVersion {
		return nil, fmt.Errorf("unsupported apiVersion %q (expected %q)", doc.APIVersion, SupportedAPIVersion)
	}
	if doc.Kind != "ProductCatalog" {
		return nil, fmt.Errorf("unexpected kind %q (expected %q)", doc.Kind, "ProductCatalog")
	}

	p := &Products{serverID: doc.ServerID, byID: make(map[string]domain.Product, len(doc.Products))}
	for i, product := range doc.Products {
		if strings.TrimSpace(product.ID) == "" {
			return nil, fmt.Errorf("products[%d]: id is required", i)
		}
		if _, dup := p.byID[product.ID]; dup {
			return nil, fmt.Errorf("products[%d]: duplicate product id %q", i, product.ID)
		}
		if product.Path == "" {
			return nil, fmt.Errorf("product %s: path is required", product.ID)
		}
		for _, dt := range product.SupportedDataTypes {
			switch dt {
			case domain.DataTypeSource, domain.DataTypeBinary, domain.DataTypeNone:
			default:
				return nil, fmt.Errorf("product %s: unknown data type %q", product.ID, dt)
			}
		}
		seen := map[string]bool{}
		for _, param := range append(append([]domain.ProductParameter{}, product.MandatoryParameters...), product.OptionalParameters...) {
			if param.Key == "" {
				return nil, fmt.Errorf("product %s: parameter key is required", product.ID)
			}
			if seen[param.Key] {
				return nil, fmt.Errorf("product %s: parameter %q declared twice", product.ID, param.Key)
			}
			seen[param.Key] = true
		}
		p.byID[product.ID] = product
		p.order = append(p.order, product.ID)
	}
	return p, nil
}

// Product returns the product with the given id.
func (p *Products) Product(id string) (*domain.Product, bool) {
	product, ok := p.byID[id]
	if !ok {
		return nil, false
	}
	return &product, true
}

// ServerID returns the server identity declared in the catalog, if any.
func (p *Products) ServerID() string { return p.serverID }

// IDs lists product ids in declaration order.
func (p *Products) IDs() []string {
	return append([]string(nil), p.order...)
}
