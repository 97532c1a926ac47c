package ticket

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

type Class string

const (
	ClassGranting Class = "granting"
	ClassService  Class = "service"
)

const (
	TypeTicketGranting      = "TGT"
	TypeService             = "ST"
	TypeProxyGranting       = "PGT"
	TypeProxy               = "PT"
	DefaultGrantingTTL      = 8 * time.Hour
	DefaultGrantingIdle     = 2 * time.Hour
	DefaultServiceTicketTTL = 10 * time.Second
)

var ErrUnknownTicketType = errors.New("unknown ticket type")

type Definition struct {
	Name             string           `yaml:"name"`
	Class            Class            `yaml:"class"`
	Prefix           string           `yaml:"prefix"`
	ExpirationPolicy ExpirationPolicy `yaml:"expirationPolicy"`
}

// NewTicket creates a ticket of this definition with a fresh id and the default expiration policy.
func (d *Definition) NewTicket(now time.Time, parentID string) *Ticket {
	return &Ticket{
		ID:               NewID(d.Prefix),
		Type:             d.Name,
		CreationTime:     now.UTC(),
		ExpirationPolicy: d.ExpirationPolicy,
		ParentID:         parentID,
	}
}

// Catalog is a read-only registry of ticket definitions keyed by type name.
type Catalog struct {
	definitions map[string]*Definition
}

func NewCatalog(definitions ...*Definition) (*Catalog, error) {
	c := &Catalog{definitions: map[string]*Definition{}}
	prefixes := map[string]string{}
	for _, d := range definitions {
		if d.Name == "" || d.Prefix == "" {
			return nil, fmt.Errorf("ticket definition requires a name and a prefix: %+v", d)
		}
		if d.Class != ClassGranting && d.Class != ClassService {
			return nil, fmt.Errorf("ticket definition %s has invalid class %q", d.Name, d.Class)
		}
		if _, ok := c.definitions[d.Name]; ok {
			return nil, fmt.Errorf("duplicate ticket definition: %s", d.Name)
		}
		if other, ok := prefixes[d.Prefix]; ok {
			return nil, fmt.Errorf("ticket definitions %s and %s share prefix %s", other, d.Name, d.Prefix)
		}
		dd := *d
		c.definitions[d.Name] = &dd
		prefixes[d.Prefix] = d.Name
	}
	return c, nil
}

// DefaultCatalog holds the granting/service ticket types and their proxy variants.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(
		&Definition{
			Name:             TypeTicketGranting,
			Class:            ClassGranting,
			Prefix:           TypeTicketGranting,
			ExpirationPolicy: Compose(HardTimeout(DefaultGrantingTTL), Idle(DefaultGrantingIdle)),
		},
		&Definition{
			Name:             TypeService,
			Class:            ClassService,
			Prefix:           TypeService,
			ExpirationPolicy: Compose(HardTimeout(DefaultServiceTicketTTL), MultiUse(1)),
		},
		&Definition{
			Name:             TypeProxyGranting,
			Class:            ClassGranting,
			Prefix:           TypeProxyGranting,
			ExpirationPolicy: Compose(HardTimeout(DefaultGrantingTTL), Idle(DefaultGrantingIdle)),
		},
		&Definition{
			Name:             TypeProxy,
			Class:            ClassService,
			Prefix:           TypeProxy,
			ExpirationPolicy: Compose(HardTimeout(DefaultServiceTicketTTL), MultiUse(1)),
		},
	)
	if err != nil {
		panic(err)
	}
	return c
}

type catalogFile struct {
	Tickets []*Definition `yaml:"tickets"`
}

// LoadCatalogFile reads ticket definitions from a YAML file such as:
//
//	tickets:
//	  - name: TGT
//	    class: granting
//	    prefix: TGT
//	    expirationPolicy:
//	      timeToLive: 8h
//	      timeToIdle: 2h
func LoadCatalogFile(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return ParseCatalog(b)
}

func ParseCatalog(b []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if len(f.Tickets) == 0 {
		return nil, errors.New("catalog defines no tickets")
	}
	return NewCatalog(f.Tickets...)
}

func (c *Catalog) Lookup(name string) (*Definition, error) {
	d, ok := c.definitions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTicketType, name)
	}
	return d, nil
}

// Names returns the defined type names in order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.definitions))
	for name := range c.definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsGranting reports whether the ticket's type is a granting ticket.
func (c *Catalog) IsGranting(t *Ticket) bool {
	d, ok := c.definitions[t.Type]
	return ok && d.Class == ClassGranting
}

// Satisfies reports whether the ticket is of the expected type name, or of a type whose class is the expected name.
func (c *Catalog) Satisfies(t *Ticket, expected string) bool {
	if expected == "" || t.Type == expected {
		return true
	}
	d, ok := c.definitions[t.Type]
	return ok && string(d.Class) == expected
}
