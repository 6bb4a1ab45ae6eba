package qdb

import (
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/clientv3util"
)

const (
	CMD_PUT = iota
	CMD_DELETE
	CMD_CMP_VALUE
	CMD_CMP_MISSING
)

// QdbStatement is one step of an atomic etcd transaction: a guard
// (CMD_CMP_*) or an operation applied when every guard holds.
type QdbStatement struct {
	CmdType int32
	Key     string
	Value   string
}

func NewQdbStatement(cmdType int32, key string, value string) (*QdbStatement, error) {
	if cmdType < CMD_PUT || cmdType > CMD_CMP_MISSING {
		return nil, fmt.Errorf("unknown type of QdbStatement: %d", cmdType)
	}
	return &QdbStatement{CmdType: cmdType, Key: key, Value: value}, nil
}

func packEtcdCommands(statements []QdbStatement) ([]clientv3.Cmp, []clientv3.Op, error) {
	var cmps []clientv3.Cmp
	var ops []clientv3.Op
	for _, stmt := range statements {
		switch stmt.CmdType {
		case CMD_PUT:
			ops = append(ops, clientv3.OpPut(stmt.Key, stmt.Value))
		case CMD_DELETE:
			ops = append(ops, clientv3.OpDelete(stmt.Key))
		case CMD_CMP_VALUE:
			cmps = append(cmps, clientv3.Compare(clientv3.Value(stmt.Key), "=", stmt.Value))
		case CMD_CMP_MISSING:
			cmps = append(cmps, clientv3util.KeyMissing(stmt.Key))
		default:
			return nil, nil, fmt.Errorf("not found operation type: %d", stmt.CmdType)
		}
	}
	return cmps, ops, nil
}
