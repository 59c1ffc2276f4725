package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/drover/pkg/errdefs"
)

func TestArtifactValidate(t *testing.T) {
	tests := []struct {
		name     string
		artifact *Artifact
		wantErr  bool
	}{
		{
			name:     "valid",
			artifact: &Artifact{Name: "payments", Version: "1.0.0"},
			wantErr:  false,
		},
		{
			name:     "valid with v prefix and prerelease",
			artifact: &Artifact{Name: "billing-api", Version: "v2.1.0-rc.1"},
			wantErr:  false,
		},
		{
			name:     "name too short",
			artifact: &Artifact{Name: "ab", Version: "1.0.0"},
			wantErr:  true,
		},
		{
			name:     "uppercase name",
			artifact: &Artifact{Name: "Payments", Version: "1.0.0"},
			wantErr:  true,
		},
		{
			name:     "bad version",
			artifact: &Artifact{Name: "payments", Version: "latest"},
			wantErr:  true,
		},
		{
			name:     "nil artifact",
			artifact: nil,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.artifact.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				assert.True(t, errdefs.IsValidation(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestArtifactValidateMetadataLimits(t *testing.T) {
	a := &Artifact{Name: "payments", Version: "1.0.0", Metadata: map[string]string{}}
	for i := 0; i < maxMetadataEntries+1; i++ {
		a.Metadata[string(rune('a'+i%26))+string(rune('0'+i/26))] = "x"
	}
	assert.Error(t, a.Validate())
}

func TestDeploymentRequestValidate(t *testing.T) {
	valid := &DeploymentRequest{
		Artifact:    &Artifact{Name: "payments", Version: "1.0.0"},
		Environment: EnvDevelopment,
		Requester:   "dev@example.com",
	}
	assert.NoError(t, valid.Validate())

	badEnv := *valid
	badEnv.Environment = "sandbox"
	assert.True(t, errdefs.IsValidation(badEnv.Validate()))

	badRequester := *valid
	badRequester.Requester = "not-an-email"
	assert.True(t, errdefs.IsValidation(badRequester.Validate()))
}

func TestEnvironmentPolicy(t *testing.T) {
	assert.False(t, EnvDevelopment.RequiresApproval())
	assert.False(t, EnvQA.RequiresApproval())
	assert.True(t, EnvStaging.RequiresApproval())
	assert.True(t, EnvProduction.RequiresApproval())
	assert.False(t, Environment("sandbox").Valid())
}

func TestExecutionStateTerminal(t *testing.T) {
	assert.False(t, ExecutionPending.Terminal())
	assert.False(t, ExecutionRunning.Terminal())
	assert.True(t, ExecutionSucceeded.Terminal())
	assert.True(t, ExecutionFailed.Terminal())
	assert.True(t, ExecutionRolledBack.Terminal())
}

func TestPipelineExecutionClone(t *testing.T) {
	exec := &PipelineExecution{
		ExecutionID: "exec-1",
		Status:      ExecutionRunning,
		StartedAt:   time.Now(),
		Stages: []*StageStatus{
			{Stage: StageBuild, State: StageSucceeded},
			{Stage: StageTest, State: StageRunning},
		},
	}

	clone := exec.Clone()
	clone.Stages[0].State = StageFailed
	clone.Status = ExecutionFailed

	assert.Equal(t, StageSucceeded, exec.Stages[0].State)
	assert.Equal(t, ExecutionRunning, exec.Status)
}

func TestPoolOther(t *testing.T) {
	assert.Equal(t, PoolGreen, PoolBlue.Other())
	assert.Equal(t, PoolBlue, PoolGreen.Other())
}

func TestArtifactRefString(t *testing.T) {
	ref := ArtifactRef{Name: "payments", Version: "1.0.0"}
	assert.Equal(t, "payments@1.0.0", ref.String())
	assert.False(t, ref.Zero())
	assert.True(t, ArtifactRef{}.Zero())
}
