package verify

import (
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// CheckGPU reports whether a cluster node advertises allocatable GPU capacity.
func (v *Verifier) CheckGPU(ctx context.Context) CheckResult {
	if v.opts.KubernetesClient == nil {
		return CheckResult{Name: "gpu-capacity", Status: StatusWarn, Message: "kubernetes client not configured"}
	}

	nodes, err := v.opts.KubernetesClient.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return CheckResult{Name: "gpu-capacity", Status: StatusWarn, Message: fmt.Sprintf("failed to list nodes: %v", err)}
	}

	resourceName := v.opts.GPUResource
	for _, node := range nodes.Items {
		if !matchesNodeSelector(&node, v.opts.NodeSelector) {
			continue
		}
		allocatable, ok := node.Status.Allocatable[corev1.ResourceName(resourceName)]
		if !ok || allocatable.Value() < 1 {
			continue
		}
		metadata := describeNodeGPU(&node, resourceName)
		metadata["capacity"] = allocatable.String()
		metadata["resource"] = resourceName
		return CheckResult{
			Name:     "gpu-capacity",
			Status:   StatusPass,
			Message:  fmt.Sprintf("node %s advertises %s", node.Name, resourceName),
			Metadata: metadata,
		}
	}

	return CheckResult{Name: "gpu-capacity", Status: StatusFail, Message: fmt.Sprintf("no nodes advertise allocatable %s", resourceName)}
}

func matchesNodeSelector(node *corev1.Node, selector map[string]string) bool {
	if len(selector) == 0 {
		return true
	}
	for key, value := range selector {
		if node.Labels[key] != value {
			return false
		}
	}
	return true
}

func describeNodeGPU(node *corev1.Node, resourceName string) map[string]string {
	meta := map[string]string{"node": node.Name}
	vendor, _, _ := strings.Cut(resourceName, "/")
	if product, ok := node.Labels[vendor+"/gpu.product"]; ok {
		meta["gpuProduct"] = product
	}
	if memory, ok := node.Labels[vendor+"/gpu.memory"]; ok {
		meta["gpuMemory"] = memory + "Mi"
	}
	return meta
}
