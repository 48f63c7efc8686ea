package kube

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	schederrors "github.com/Iron-Ham/infersched/internal/errors"
)

const testNamespace = "inference"

func newScheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	_ = clientgoscheme.AddToScheme(scheme)
	return scheme
}

func makeDeployment(name string, replicas *int32) *appsv1.Deployment {
	labels := map[string]string{"app": name}
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: testNamespace},
		Spec: appsv1.DeploymentSpec{
			Replicas: replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
			},
		},
	}
}

func replicasOf(ctx context.Context, c client.Client, name string) int32 {
	dep := &appsv1.Deployment{}
	Expect(c.Get(ctx, client.ObjectKey{Namespace: testNamespace, Name: name}, dep)).To(Succeed())
	return ptr.Deref(dep.Spec.Replicas, 1)
}

var _ = Describe("Provisioner", func() {
	var (
		ctx context.Context
		cfg Config
	)

	BeforeEach(func() {
		ctx = context.Background()
		cfg = Config{
			Namespace:   testNamespace,
			Deployments: map[string]string{"llama-7b": "vllm-llama-7b"},
		}
	})

	Context("with an existing Deployment", func() {
		var (
			k8sClient client.Client
			p         *Provisioner
		)

		BeforeEach(func() {
			k8sClient = fake.NewClientBuilder().
				WithScheme(newScheme()).
				WithObjects(makeDeployment("vllm-llama-7b", ptr.To[int32](2))).
				Build()
			p = New(k8sClient, cfg, nil)
		})

		It("should add replicas on scale up", func() {
			Expect(p.ScaleUp(ctx, "llama-7b", 3)).To(Succeed())
			Expect(replicasOf(ctx, k8sClient, "vllm-llama-7b")).To(Equal(int32(5)))
		})

		It("should remove replicas on scale down", func() {
			Expect(p.ScaleDown(ctx, "llama-7b", 1)).To(Succeed())
			Expect(replicasOf(ctx, k8sClient, "vllm-llama-7b")).To(Equal(int32(1)))
		})

		It("should refuse to go below zero replicas", func() {
			err := p.ScaleDown(ctx, "llama-7b", 3)
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, schederrors.ErrInvalidConfig)).To(BeTrue())
			Expect(replicasOf(ctx, k8sClient, "vllm-llama-7b")).To(Equal(int32(2)))
		})

		It("should report the desired replica count", func() {
			n, err := p.Instances(ctx, "llama-7b")
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(2))
		})
	})

	Context("when the Deployment leaves replicas unset", func() {
		It("should treat it as one replica", func() {
			k8sClient := fake.NewClientBuilder().
				WithScheme(newScheme()).
				WithObjects(makeDeployment("mistral", nil)).
				Build()
			p := New(k8sClient, cfg, nil)

			n, err := p.Instances(ctx, "mistral")
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))

			Expect(p.ScaleUp(ctx, "mistral", 1)).To(Succeed())
			Expect(replicasOf(ctx, k8sClient, "mistral")).To(Equal(int32(2)))
		})
	})

	Context("when the Deployment does not exist", func() {
		It("should return a NotFoundError", func() {
			k8sClient := fake.NewClientBuilder().WithScheme(newScheme()).Build()
			p := New(k8sClient, cfg, nil)

			err := p.ScaleUp(ctx, "llama-7b", 1)
			var nf *schederrors.NotFoundError
			Expect(errors.As(err, &nf)).To(BeTrue())
			Expect(nf.ResourceID).To(Equal(testNamespace + "/vllm-llama-7b"))

			_, err = p.Instances(ctx, "llama-7b")
			Expect(errors.As(err, &nf)).To(BeTrue())
		})
	})

	Context("when an update conflicts", func() {
		It("should retry against the latest version", func() {
			conflicts := 0
			k8sClient := fake.NewClientBuilder().
				WithScheme(newScheme()).
				WithObjects(makeDeployment("vllm-llama-7b", ptr.To[int32](2))).
				WithInterceptorFuncs(interceptor.Funcs{
					Update: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.UpdateOption) error {
						if conflicts == 0 {
							conflicts++
							return apierrors.NewConflict(
								schema.GroupResource{Group: "apps", Resource: "deployments"},
								obj.GetName(), errors.New("object was modified"))
						}
						return c.Update(ctx, obj, opts...)
					},
				}).
				Build()
			p := New(k8sClient, cfg, nil)

			Expect(p.ScaleUp(ctx, "llama-7b", 1)).To(Succeed())
			Expect(conflicts).To(Equal(1))
			Expect(replicasOf(ctx, k8sClient, "vllm-llama-7b")).To(Equal(int32(3)))
		})
	})

	It("should default the namespace", func() {
		p := New(fake.NewClientBuilder().WithScheme(newScheme()).Build(), Config{}, nil)
		Expect(p.cfg.Namespace).To(Equal(DefaultNamespace))
		Expect(p.deploymentName("gpt")).To(Equal("gpt"))
	})
})
