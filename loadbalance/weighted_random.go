package loadbalance

import (
	"math/rand"

	"github.com/juju/errors"

	"storage-rpc/registry"
)

type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	// 计算总权重，未设置权重的实例按 1 计算
	totalWeight := 0
	for _, v := range instances {
		totalWeight += weightOf(v)
	}

	// 生成一个随机数，范围是0到总权重
	r := rand.Intn(totalWeight)
	for i := range instances {
		r -= weightOf(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}

	return nil, errors.Errorf("weighted pick out of range (total %d)", totalWeight)
}

func weightOf(inst registry.ServiceInstance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
