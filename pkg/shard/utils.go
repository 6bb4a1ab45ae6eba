package shard

func ShardIDs(nodes []*Node) []string {
	ret := []string{}
	for _, node := range nodes {
		ret = append(ret, node.ID())
	}
	return ret
}
