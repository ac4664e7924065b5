package synchub_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestSynchub(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Collaborative Sync Hub Suite")
}
