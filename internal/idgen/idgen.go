// Package idgen generates time-ordered unique snowflake ids; the sync hub
// uses them as per-connection socket ids.
package idgen

import (
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node *snowflake.Node
	once sync.Once
	initErr error
)

// Init initializes the Snowflake node with the given node id. Must be
// called once at process start before New is used.
func Init(nodeID int64) error {
	once.Do(func() {
		node, initErr = snowflake.NewNode(nodeID)
	})
	return initErr
}

// New generates a new globally unique int64 id.
func New() int64 {
	return node.Generate().Int64()
}

// NewString generates a new globally unique id and formats it as a string,
// the shape used for sync-hub socket ids.
func NewString() string {
	return strconv.FormatInt(New(), 10)
}
