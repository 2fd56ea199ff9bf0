package verify

import (
	"context"
	"testing"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func gpuNode(name string, gpus string, labels map[string]string) *corev1.Node {
	node := &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: name, Labels: labels}}
	node.Status.Allocatable = corev1.ResourceList{
		corev1.ResourceCPU: resource.MustParse("8"),
	}
	if gpus != "" {
		node.Status.Allocatable["nvidia.com/gpu"] = resource.MustParse(gpus)
	}
	return node
}

func TestCheckGPUFindsAllocatableNode(t *testing.T) {
	t.Parallel()

	client := fake.NewSimpleClientset(
		gpuNode("cpu-only", "", nil),
		gpuNode("gpu-1", "2", map[string]string{"nvidia.com/gpu.product": "NVIDIA-L4", "nvidia.com/gpu.memory": "23034"}),
	)
	res := New(Options{KubernetesClient: client}).CheckGPU(context.Background())
	if res.Status != StatusPass {
		t.Fatalf("expected pass, got %s: %s", res.Status, res.Message)
	}
	if res.Metadata["node"] != "gpu-1" || res.Metadata["gpuProduct"] != "NVIDIA-L4" || res.Metadata["capacity"] != "2" {
		t.Fatalf("unexpected metadata %+v", res.Metadata)
	}
}

func TestCheckGPUHonorsNodeSelector(t *testing.T) {
	t.Parallel()

	client := fake.NewSimpleClientset(gpuNode("gpu-1", "1", map[string]string{"pool": "batch"}))
	res := New(Options{KubernetesClient: client, NodeSelector: map[string]string{"pool": "interactive"}}).CheckGPU(context.Background())
	if res.Status != StatusFail {
		t.Fatalf("expected fail when no selected node has GPUs, got %s", res.Status)
	}
}

func TestCheckGPUWithoutClientWarns(t *testing.T) {
	t.Parallel()

	if res := New(Options{}).CheckGPU(context.Background()); res.Status != StatusWarn {
		t.Fatalf("expected warn without a client, got %s", res.Status)
	}
}
