// Package kube builds Kubernetes clients for the GPU capacity check.
package kube

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// LoadConfig resolves a REST config. An explicit kubeconfig path wins;
// otherwise in-cluster credentials are tried, then $KUBECONFIG, then
// ~/.kube/config.
func LoadConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return fromFile(kubeconfig)
	}

	config, err := rest.InClusterConfig()
	if err == nil {
		log.Println("Using in-cluster Kubernetes configuration")
		return config, nil
	}
	log.Printf("In-cluster config not available: %v", err)

	if env := os.Getenv("KUBECONFIG"); env != "" {
		return fromFile(env)
	}
	return fromFile(filepath.Join(homeDir(), ".kube", "config"))
}

// NewClientset returns a clientset for the resolved configuration.
func NewClientset(kubeconfig string) (kubernetes.Interface, error) {
	config, err := LoadConfig(kubeconfig)
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return clientset, nil
}

func fromFile(path string) (*rest.Config, error) {
	log.Printf("Loading kubeconfig from %s", path)
	config, err := clientcmd.BuildConfigFromFlags("", path)
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig from %s: %w", path, err)
	}
	return config, nil
}

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return dir
}
