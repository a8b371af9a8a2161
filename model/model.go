package model

import (
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var snowflakeNode *snowflake.Node

var Models = []interface{}{
	&AuditEvent{},
}

func init() {
	var err error
	snowflakeNode, err = snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
}

// SetNodeID rebinds id generation to node. Processes that write to the same
// tables at the same time must use distinct node ids.
func SetNodeID(node int64) error {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return err
	}
	snowflakeNode = n
	return nil
}

// GenerateID returns a time-ordered unique id.
func GenerateID() uint64 {
	return uint64(snowflakeNode.Generate())
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models...)
}
