package capture

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// K8sIPs resolves a k8s:// tap address to the current PodIPs of the
// matching pods. Accepted forms:
//
//	[namespace/]pod/[pod_name]
//	[namespace/]deployment/[deployment_name]
//	[namespace/]daemonset/[daemonset_name]
//	[namespace/]labelSelector/[selector]
//	[namespace/]fieldSelector/[selector]
//
// Without a namespace the query spans all namespaces. The pod set is
// re-resolved periodically so taps follow pod churn.
func K8sIPs(addr string) ([]string, error) {
	namespace, labelSelector, fieldSelector, err := k8sSelector(addr)
	if err != nil {
		return nil, err
	}

	config, err := rest.InClusterConfig()
	if err != nil {
		return nil, errors.Wrap(err, "in-cluster config")
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, errors.Wrap(err, "k8s clientset")
	}

	pods, err := clientset.CoreV1().Pods(namespace).List(context.TODO(),
		metav1.ListOptions{LabelSelector: labelSelector, FieldSelector: fieldSelector})
	if err != nil {
		return nil, errors.Wrap(err, "list pods")
	}

	var podIPs []string
	for _, pod := range pods.Items {
		for _, podIP := range pod.Status.PodIPs {
			podIPs = append(podIPs, podIP.IP)
		}
	}
	return podIPs, nil
}

// k8sSelector parses a k8s address into a namespace plus the pod list
// selectors it stands for. The address is namespace/selectorType/value;
// an omitted namespace means all namespaces. Selector values may themselves
// contain slashes, so the split is bounded.
func k8sSelector(addr string) (namespace, labelSelector, fieldSelector string, err error) {
	sections := strings.SplitN(addr, "/", 3)

	// no namespace means ALL namespaces
	switch sections[0] {
	case "pod", "deployment", "daemonset", "labelSelector", "fieldSelector":
		sections = append([]string{""}, strings.SplitN(addr, "/", 2)...)
	}

	if len(sections) != 3 || sections[2] == "" {
		return "", "", "", errors.Errorf("unsupported k8s scheme %q, allowed values: "+
			"[namespace/]pod/[pod_name], [namespace/]deployment/[deployment_name], "+
			"[namespace/]daemonset/[daemonset_name], [namespace/]labelSelector/[selector], "+
			"[namespace/]fieldSelector/[selector]", addr)
	}

	namespace, selectorType, selectorValue := sections[0], sections[1], sections[2]

	switch selectorType {
	case "pod":
		fieldSelector = "metadata.name=" + selectorValue
	case "deployment":
		labelSelector = "app=" + selectorValue
	case "daemonset":
		labelSelector = "pod-template-generation=1,name=" + selectorValue
	case "labelSelector":
		labelSelector = selectorValue
	case "fieldSelector":
		fieldSelector = selectorValue
	default:
		return "", "", "", errors.Errorf("unsupported k8s selector type %q", selectorType)
	}
	return namespace, labelSelector, fieldSelector, nil
}
