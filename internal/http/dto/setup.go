package dto

type ReEncryptRequest struct {
	AppID         string `json:"appId"`
	PrivateKey    string `json:"privateKey"`
	WebhookSecret string `json:"webhookSecret"`
}

type ReceivedFields struct {
	HasAppID         bool `json:"hasAppId"`
	HasPrivateKey    bool `json:"hasPrivateKey"`
	HasWebhookSecret bool `json:"hasWebhookSecret"`
}

type MissingFieldsResponse struct {
	Error    string         `json:"error"`
	Received ReceivedFields `json:"received"`
}

type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type SyncRepositoriesResponse struct {
	RepositoryCount int      `json:"repositoryCount"`
	Repositories    []string `json:"repositories"`
}

type WebhookAcceptedResponse struct {
	Accepted   bool   `json:"accepted"`
	DeliveryID string `json:"deliveryId,omitempty"`
}
