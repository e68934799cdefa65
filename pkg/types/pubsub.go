package types

// PubSubMessage is the data of a Pub/Sub CloudEvent
// (google.cloud.pubsub.topic.v1.messagePublished).
type PubSubMessage struct {
	Message struct {
		Data        []byte            `json:"data"`
		Attributes  map[string]string `json:"attributes,omitempty"`
		MessageID   string            `json:"messageId,omitempty"`
		PublishTime string            `json:"publishTime,omitempty"`
	} `json:"message"`
	Subscription    string `json:"subscription,omitempty"`
	DeliveryAttempt int    `json:"deliveryAttempt,omitempty"`
}
