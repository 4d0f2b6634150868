package billing

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// ControlNumberGenerator issues claim control numbers and invoice numbers.
// Numbers must never repeat within a tenant.
type ControlNumberGenerator interface {
	ClaimControlNumber() string
	InvoiceNumber() string
}

type snowflakeGenerator struct {
	node *snowflake.Node
}

// NewSnowflakeGenerator returns a generator backed by a snowflake node.
// Distinct server instances must use distinct node ids (0-1023).
func NewSnowflakeGenerator(nodeID int64) (ControlNumberGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	return &snowflakeGenerator{node: node}, nil
}

func (g *snowflakeGenerator) ClaimControlNumber() string {
	return "CLM-" + g.node.Generate().String()
}

func (g *snowflakeGenerator) InvoiceNumber() string {
	return "INV-" + g.node.Generate().String()
}
