// Package contracts holds the small, pluggable interfaces that let the
// cloud-mapper subsystems stay decoupled from one concrete
// implementation — mirroring how the teacher's pkg/contracts lets OSS
// and Pro swap AuthProvider/PlanResolver/TierEnforcer implementations.
package contracts

import (
	"context"

	"github.com/tedge-bridge/cloud-mapper/pkg/models"
)

// JWTRetriever fetches a fresh bearer token from the cloud. Implementations
// typically wrap an MQTT round-trip on "s/dat" or an HTTPS call.
type JWTRetriever interface {
	Retrieve(ctx context.Context) (string, error)
}

// ExternalIDMapper derives a cloud-facing external id for a topic id that
// was not given an explicit @id at registration.
type ExternalIDMapper func(tid models.EntityTopicId, mainDeviceXID models.EntityExternalId) models.EntityExternalId

// InvalidExternalIdError is returned by an ExternalIDValidator when a
// user-supplied @id contains a character the target cloud rejects.
type InvalidExternalIdError struct {
	ExternalID string
	Char       rune
}

func (e *InvalidExternalIdError) Error() string {
	return "invalid external id " + e.ExternalID + ": disallowed character " + string(e.Char)
}

// ExternalIDValidator rejects external ids using characters the cloud
// platform does not accept.
type ExternalIDValidator func(raw string) (models.EntityExternalId, error)

// Publisher is the narrow surface the mapper's subsystems need to emit
// outbound MQTT messages, without depending on the concrete MQTT client.
type Publisher interface {
	Publish(ctx context.Context, msg models.MqttMessage) error
}

// Uploader pushes a local artifact (log, binary, config snapshot) to an
// HTTP endpoint and returns the URL the cloud can use to retrieve it.
type Uploader interface {
	Upload(ctx context.Context, localPath string, destination string) (url string, err error)
}

// Downloader retrieves a cloud-hosted artifact (firmware image, software
// module, config file) to a local path.
type Downloader interface {
	Download(ctx context.Context, url string, localPath string) error
}
