// Package kube provisions serving capacity by resizing Kubernetes
// Deployments, one Deployment per target.
package kube
