// Package archive implements the optional S3 archive sink (SPEC_FULL.md
// §3, supplementing original_source's on-disk archive writer): every
// completed timeslice item can additionally be durably persisted to an
// S3-compatible bucket as a two-object pair (descriptor + content),
// using the portable binary archive codec from internal/wire.
package archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/cbm-fles/tscpipe/internal/wire"
	"github.com/cbm-fles/tscpipe/internal/xerrors"
)

// Config describes where archived timeslices are written.
type Config struct {
	Bucket     string
	Prefix     string
	Region     string
	Endpoint   string // optional S3-compatible endpoint override
	PathStyle  bool
}

// Sink uploads finished timeslices to S3.
type Sink struct {
	cfg      Config
	uploader *manager.Uploader
	client   *s3.Client
	log      *zap.SugaredLogger
}

// New builds a Sink from cfg, resolving AWS credentials/region the
// standard way (environment, shared config, IMDS) via
// config.LoadDefaultConfig.
func New(ctx context.Context, cfg Config, log *zap.SugaredLogger) (*Sink, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindConfiguration, err, "archive: load aws config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return &Sink{
		cfg:      cfg,
		uploader: manager.NewUploader(client),
		client:   client,
		log:      log,
	}, nil
}

// descKey and contentKey are the two objects a timeslice is split
// into, mirroring the in-memory StDescriptor/content split so a
// consumer can fetch just the descriptor to inspect layout.
func (s *Sink) descKey(tsID uint64) string {
	return fmt.Sprintf("%s/%020d.desc", s.cfg.Prefix, tsID)
}

func (s *Sink) contentKey(tsID uint64) string {
	return fmt.Sprintf("%s/%020d.content", s.cfg.Prefix, tsID)
}

// Put uploads a timeslice's descriptor (portable binary archive
// encoded) and its raw content bytes as two objects under a common
// ts_id-derived prefix.
func (s *Sink) Put(ctx context.Context, tsID uint64, desc *wire.StDescriptor, content []byte) error {
	encoded, err := wire.Marshal(desc)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternalInvariant, err, "archive: encode descriptor")
	}

	if _, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.descKey(tsID)),
		Body:   bytes.NewReader(encoded),
	}); err != nil {
		return xerrors.Wrap(xerrors.KindTransportSend, err, "archive: put descriptor")
	}

	if _, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.contentKey(tsID)),
		Body:   bytes.NewReader(content),
	}); err != nil {
		return xerrors.Wrap(xerrors.KindTransportSend, err, "archive: put content")
	}

	if s.log != nil {
		s.log.Debugw("archive: wrote timeslice", "ts_id", tsID, "bytes", len(content))
	}
	return nil
}

// Get fetches back a previously archived timeslice's descriptor and
// content, for cmd/tsarchivevalidate to replay invariant checks
// against.
func (s *Sink) Get(ctx context.Context, tsID uint64) (*wire.StDescriptor, []byte, error) {
	descObj, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.descKey(tsID)),
	})
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.KindTransportSend, err, "archive: get descriptor")
	}
	defer descObj.Body.Close()

	var desc wire.StDescriptor
	if err := wire.ReadFrom(descObj.Body, &desc); err != nil {
		return nil, nil, xerrors.Wrap(xerrors.KindInternalInvariant, err, "archive: decode descriptor")
	}

	contentObj, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.contentKey(tsID)),
	})
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.KindTransportSend, err, "archive: get content")
	}
	defer contentObj.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(contentObj.Body); err != nil {
		return nil, nil, xerrors.Wrap(xerrors.KindTransportSend, err, "archive: read content")
	}

	return &desc, buf.Bytes(), nil
}
