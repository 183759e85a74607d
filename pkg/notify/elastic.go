package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	log "github.com/sirupsen/logrus"
)

const (
	objectIndex    = "strata-objects"
	publishTimeout = 10 * time.Second
)

// ElasticNotifier indexes resolved-object metadata into Elasticsearch.
// Documents are keyed by fingerprint, so re-resolving an object updates
// its document rather than duplicating it.
type ElasticNotifier struct {
	es *elasticsearch.Client
}

// NewElastic creates a notifier against the given Elasticsearch URL.
func NewElastic(url string) (*ElasticNotifier, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{url},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	log.Infof("index notifier enabled, publishing to %s", url)
	return &ElasticNotifier{es: es}, nil
}

// Notify publishes the metadata asynchronously. Failures are logged and
// never propagated; resolution has already completed by the time this
// runs.
func (n *ElasticNotifier) Notify(meta Metadata) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		body, err := json.Marshal(meta)
		if err != nil {
			log.Warnf("failed to encode index document for %s: %v", meta.Path, err)
			return
		}

		res, err := n.es.Index(objectIndex, bytes.NewReader(body),
			n.es.Index.WithDocumentID(meta.Fingerprint),
			n.es.Index.WithContext(ctx))
		if err != nil {
			log.Warnf("failed to index metadata for %s: %v", meta.Path, err)
			return
		}
		defer res.Body.Close()

		if res.IsError() {
			log.Warnf("elasticsearch rejected document for %s: %s", meta.Path, res.Status())
			return
		}
		log.Debugf("indexed metadata for %s (%s)", meta.Path, meta.Fingerprint)
	}()
}
