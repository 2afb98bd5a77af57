package k8s

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/infigaming-com/go-coord/snowflake"
	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

const (
	// WorkerIDAnnotation pins a pod to an explicit node ID.
	WorkerIDAnnotation = "coord.infigaming.com/worker-id"

	// podIndexLabel is set by the StatefulSet controller on Kubernetes 1.28+.
	podIndexLabel = "apps.kubernetes.io/pod-index"
)

var ErrWorkerIDUnavailable = errors.New("k8s: pod has no worker id annotation or statefulset ordinal")

type PodInfo struct {
	Name      string            `json:"name"`
	Namespace string            `json:"namespace"`
	Status    string            `json:"status"`
	Ready     bool              `json:"ready"`
	Labels    map[string]string `json:"labels"`
	NodeName  string            `json:"node_name"`
	IP        string            `json:"ip"`
}

type K8sClient struct {
	client kubernetes.Interface
}

// NewK8sClient uses the in-cluster config, falling back to ~/.kube/config.
func NewK8sClient() (*K8sClient, error) {
	config, err := rest.InClusterConfig()
	if err != nil {
		var kubeconfig string
		if home := homedir.HomeDir(); home != "" {
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to get k8s config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create k8s client: %w", err)
	}
	return NewK8sClientFromInterface(clientset), nil
}

func NewK8sClientFromInterface(client kubernetes.Interface) *K8sClient {
	return &K8sClient{client: client}
}

// WorkerID resolves the snowflake node ID of a pod. An explicit WorkerIDAnnotation wins;
// otherwise the StatefulSet ordinal is used, taken from the pod-index label or the
// numeric suffix of the pod name.
func (k *K8sClient) WorkerID(ctx context.Context, namespace, podName string) (int64, error) {
	pod, err := k.client.CoreV1().Pods(namespace).Get(ctx, podName, metav1.GetOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to get pod %s/%s: %w", namespace, podName, err)
	}

	if raw, ok := pod.Annotations[WorkerIDAnnotation]; ok {
		return snowflake.ParseNodeID(strings.TrimSpace(raw))
	}

	if !ownedByStatefulSet(pod) {
		return 0, fmt.Errorf("%w: %s/%s", ErrWorkerIDUnavailable, namespace, podName)
	}
	if raw, ok := pod.Labels[podIndexLabel]; ok {
		return snowflake.ParseNodeID(raw)
	}
	idx := strings.LastIndex(pod.Name, "-")
	if idx < 0 || idx == len(pod.Name)-1 {
		return 0, fmt.Errorf("%w: %s/%s", ErrWorkerIDUnavailable, namespace, podName)
	}
	return snowflake.ParseNodeID(pod.Name[idx+1:])
}

// PeerPods lists the pods in namespace matching podLabels, e.g. the other replicas sharing a worker-id space.
func (k *K8sClient) PeerPods(ctx context.Context, namespace string, podLabels map[string]string) ([]PodInfo, error) {
	pods, err := k.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(podLabels).String(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}

	return lo.Map(pods.Items, func(pod corev1.Pod, _ int) PodInfo {
		return PodInfo{
			Name:      pod.Name,
			Namespace: pod.Namespace,
			Status:    string(pod.Status.Phase),
			Ready:     isPodReady(pod),
			Labels:    pod.Labels,
			NodeName:  pod.Spec.NodeName,
			IP:        pod.Status.PodIP,
		}
	}), nil
}

func ownedByStatefulSet(pod *corev1.Pod) bool {
	return lo.ContainsBy(pod.OwnerReferences, func(ref metav1.OwnerReference) bool {
		return ref.Kind == "StatefulSet"
	})
}

func isPodReady(pod corev1.Pod) bool {
	for _, condition := range pod.Status.Conditions {
		if condition.Type == corev1.PodReady {
			return condition.Status == corev1.ConditionTrue
		}
	}
	return false
}
