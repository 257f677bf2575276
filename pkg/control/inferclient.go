package control

import "context"

// InferClient adapts Client into loadmanager.TargetClient, giving the
// Load Manager's workers a real control-plane round trip per generated
// request instead of an in-process shortcut (spec section 1 #2).
type InferClient struct {
	Client *Client
	Model  string
}

func (c InferClient) Infer(correlationID string, sequenceStart, sequenceEnd bool) error {
	_, err := c.Client.Infer(context.Background(), &InferRequest{
		Model:         c.Model,
		CorrelationID: correlationID,
		SequenceStart: sequenceStart,
		SequenceEnd:   sequenceEnd,
	})
	return err
}
