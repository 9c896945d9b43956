package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/testsuite"
)

type fakeStarter struct {
	opts client.StartWorkflowOptions
	name interface{}
	args []interface{}
}

func (f *fakeStarter) ExecuteWorkflow(_ context.Context, opts client.StartWorkflowOptions, wf interface{}, args ...interface{}) (client.WorkflowRun, error) {
	f.opts, f.name, f.args = opts, wf, args
	return nil, nil
}

func TestTemporalBroker_SubmitUsesStartDelay(t *testing.T) {
	starter := &fakeStarter{}
	b := newTemporalBroker(starter, TemporalConfig{TaskQueue: "calls"})

	err := b.Submit(context.Background(), "call.transcription.poll", callJob{CallID: 3}, WithDelay(time.Minute), WithID("abc"))
	require.NoError(t, err)

	assert.Equal(t, "call.transcription.poll-abc", starter.opts.ID)
	assert.Equal(t, "calls", starter.opts.TaskQueue)
	assert.Equal(t, time.Minute, starter.opts.StartDelay)
	assert.Equal(t, JobWorkflowName, starter.name)
	require.Len(t, starter.args, 2)
	msg := starter.args[0].(Message)
	assert.Equal(t, "call.transcription.poll", msg.Name)
	assert.Equal(t, 15*time.Minute, starter.args[1])
}

func TestJobWorkflow_DispatchesIntoPool(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()

	p := NewWorkerPool(1)
	var got int64
	p.Register("call.analyze", func(_ context.Context, msg *Message) error {
		var job callJob
		if err := msg.Decode(&job); err != nil {
			return err
		}
		got = job.CallID
		return nil
	})
	RegisterTemporal(env, p)

	msg, err := newMessage("call.analyze", callJob{CallID: 42}, time.Now(), nil)
	require.NoError(t, err)
	env.ExecuteWorkflow(JobWorkflowName, *msg, time.Minute)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, int64(42), got)
}

func TestJobWorkflow_HandlerErrorStillCompletes(t *testing.T) {
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()

	p := NewWorkerPool(1)
	p.Register("call.notify", func(context.Context, *Message) error { return assert.AnError })
	RegisterTemporal(env, p)

	env.ExecuteWorkflow(JobWorkflowName, Message{Name: "call.notify", Payload: []byte(`{}`)}, time.Minute)
	require.True(t, env.IsWorkflowCompleted())
	assert.NoError(t, env.GetWorkflowError())
}
