package ha

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dmontag/arbordb/pkg/cluster"
	"github.com/dmontag/arbordb/pkg/datasource"
	"github.com/dmontag/arbordb/pkg/replication"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want FailureKind
	}{
		{fmt.Errorf("recv: %w", replication.ErrComm), FailureComm},
		{fmt.Errorf("x: %w", replication.ErrStaleEpoch), FailurePrimaryLost},
		{fmt.Errorf("x: %w", replication.ErrNotPrimary), FailurePrimaryLost},
		{fmt.Errorf("x: %w", replication.ErrBranched), FailureBranched},
		{fmt.Errorf("x: %w", datasource.ErrTxGap), FailureComm},
		{fmt.Errorf("x: %w", cluster.ErrForeignStore), FailureFatal},
		{fmt.Errorf("corrupted header"), FailureFatal},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.err), "classifying %v", c.err)
	}
}

func TestFailure_UnwrapsCause(t *testing.T) {
	cause := fmt.Errorf("socket closed: %w", replication.ErrComm)
	f := failure(cause)
	assert.Equal(t, FailureComm, f.Kind)
	assert.ErrorIs(t, f, replication.ErrComm)
}
