package ratelimit_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/constitutional-mesh/iaer/internal/notification/ratelimit"
	"github.com/constitutional-mesh/iaer/pkg/types"
)

func TestRatelimit(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Ratelimit Registry Suite")
}

var _ = Describe("Registry", func() {
	It("treats an unconfigured channel as unlimited", func() {
		r := ratelimit.NewRegistry()
		Expect(r.Allow(types.ChannelSlack)).To(BeTrue())
		Expect(r.Wait(context.Background(), types.ChannelSlack)).To(Succeed())
	})

	It("allows up to its burst capacity, then denies", func() {
		r := ratelimit.NewRegistry()
		r.Configure(types.ChannelSlack, 2, 0.001)

		Expect(r.Allow(types.ChannelSlack)).To(BeTrue())
		Expect(r.Allow(types.ChannelSlack)).To(BeTrue())
		Expect(r.Allow(types.ChannelSlack)).To(BeFalse())
	})

	It("keeps each channel kind's bucket independent", func() {
		r := ratelimit.NewRegistry()
		r.Configure(types.ChannelSlack, 1, 0.001)
		r.Configure(types.ChannelWebhook, 1, 0.001)

		Expect(r.Allow(types.ChannelSlack)).To(BeTrue())
		Expect(r.Allow(types.ChannelSlack)).To(BeFalse())
		Expect(r.Allow(types.ChannelWebhook)).To(BeTrue())
	})
})
