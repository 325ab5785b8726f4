package env

import (
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
)

// LimitKind enumerates the resource limits a runner can apply.
type LimitKind int

const (
	LimitRAM LimitKind = iota
	LimitROM
	LimitCPU
	LimitTTL
)

func (k LimitKind) String() string {
	switch k {
	case LimitRAM:
		return "ram"
	case LimitROM:
		return "rom"
	case LimitCPU:
		return "cpu"
	case LimitTTL:
		return "ttl"
	}
	return fmt.Sprintf("LimitKind(%d)", int(k))
}

// Limitations bounds an instance. Empty fields mean no limit.
// RAM, ROM and CPU are quantity strings such as "512Mi" or "500m".
type Limitations struct {
	RAM string        `json:"ram,omitempty"`
	ROM string        `json:"rom,omitempty"`
	CPU string        `json:"cpu,omitempty"`
	TTL time.Duration `json:"ttl,omitempty"`
}

// Each calls fn for every limit that is set, in declaration order.
func (l *Limitations) Each(fn func(kind LimitKind)) {
	if l == nil {
		return
	}
	if l.RAM != "" {
		fn(LimitRAM)
	}
	if l.ROM != "" {
		fn(LimitROM)
	}
	if l.CPU != "" {
		fn(LimitCPU)
	}
	if l.TTL > 0 {
		fn(LimitTTL)
	}
}

// Quantity parses the quantity limit of the given kind.
func (l *Limitations) Quantity(kind LimitKind) (resource.Quantity, error) {
	var raw string
	switch kind {
	case LimitRAM:
		raw = l.RAM
	case LimitROM:
		raw = l.ROM
	case LimitCPU:
		raw = l.CPU
	case LimitTTL:
		return resource.Quantity{}, fmt.Errorf("%s is not a quantity", kind)
	}
	q, err := resource.ParseQuantity(raw)
	if err != nil {
		return resource.Quantity{}, &ConfigurationError{Field: kind.String(), Err: err}
	}
	if q.Sign() < 0 {
		return resource.Quantity{}, &ConfigurationError{Field: kind.String(), Err: fmt.Errorf("negative quantity %q", raw)}
	}
	return q, nil
}

// Validate checks every set limit parses.
func (l *Limitations) Validate() error {
	if l == nil {
		return nil
	}
	if l.TTL < 0 {
		return &ConfigurationError{Field: LimitTTL.String(), Err: fmt.Errorf("negative duration %s", l.TTL)}
	}
	var err error
	l.Each(func(kind LimitKind) {
		if err != nil || kind == LimitTTL {
			return
		}
		_, err = l.Quantity(kind)
	})
	return err
}
