package memory

import (
	"testing"

	"github.com/ivneld/Meteor-PKI/storage/storagetest"
)

func TestMemoryRepository(t *testing.T) {
	storagetest.Run(t, NewRepository())
}
