package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/pkg/circuitbreaker"
	"github.com/jwalitptl/notification-hub/pkg/logger"
)

// SNSAPI is the part of the SNS client used here.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	CreatePlatformEndpoint(ctx context.Context, params *sns.CreatePlatformEndpointInput, optFns ...func(*sns.Options)) (*sns.CreatePlatformEndpointOutput, error)
}

type SNSConfig struct {
	Region          string
	FCMPlatformARN  string
	APNSPlatformARN string
}

func (c SNSConfig) Enabled() bool {
	return c.FCMPlatformARN != "" || c.APNSPlatformARN != ""
}

// SNSSender delivers to native mobile apps through SNS platform endpoints.
type SNSSender struct {
	client  SNSAPI
	cfg     SNSConfig
	breaker *circuitbreaker.CircuitBreaker
	logger  *logger.Logger
}

// NewSNSClient loads the default AWS credential chain for region.
func NewSNSClient(ctx context.Context, region string) (*sns.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return sns.NewFromConfig(awsCfg), nil
}

func NewSNSSender(client SNSAPI, cfg SNSConfig, breaker circuitbreaker.Settings, log *logger.Logger) *SNSSender {
	if breaker.Name == "" {
		breaker.Name = model.ProviderSNS
	}
	return &SNSSender{
		client:  client,
		cfg:     cfg,
		breaker: circuitbreaker.NewCircuitBreaker(breaker),
		logger:  log,
	}
}

// CreateEndpoint registers a device token with the platform application for
// platform ("android" or "ios") and returns the endpoint ARN.
func (s *SNSSender) CreateEndpoint(ctx context.Context, platform, token string) (string, error) {
	appARN, err := s.platformARN(platform)
	if err != nil {
		return "", err
	}
	out, err := s.client.CreatePlatformEndpoint(ctx, &sns.CreatePlatformEndpointInput{
		PlatformApplicationArn: aws.String(appARN),
		Token:                  aws.String(token),
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.EndpointArn), nil
}

func (s *SNSSender) platformARN(platform string) (string, error) {
	switch strings.ToLower(platform) {
	case "ios":
		if s.cfg.APNSPlatformARN != "" {
			return s.cfg.APNSPlatformARN, nil
		}
		fallthrough
	case "android", "":
		if s.cfg.FCMPlatformARN == "" {
			return "", errors.New("SNS_FCM_ARN not set")
		}
		return s.cfg.FCMPlatformARN, nil
	default:
		return "", fmt.Errorf("unknown platform %q", platform)
	}
}

func (s *SNSSender) Send(ctx context.Context, sub model.PushSubscription, msg Message) Result {
	body, err := snsMessage(msg)
	if err != nil {
		return transient(0, err)
	}

	var res Result
	err = s.breaker.Execute(func() error {
		_, err := s.client.Publish(ctx, &sns.PublishInput{
			MessageStructure: aws.String("json"),
			Message:          aws.String(body),
			TargetArn:        aws.String(sub.Endpoint),
		})
		if err == nil {
			res = succeeded(200)
			return nil
		}
		res = classifySNS(err)
		if res.Permanent() || (res.StatusCode != 0 && !countsAgainstProvider(res.StatusCode)) {
			return nil
		}
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return transient(0, err)
	}
	return res
}

func classifySNS(err error) Result {
	status := 0
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	var disabled *types.EndpointDisabledException
	var notFound *types.NotFoundException
	if errors.As(err, &disabled) || errors.As(err, &notFound) {
		return permanent(status, err)
	}
	return transient(status, err)
}

// snsMessage renders the per-platform JSON envelope SNS expects when
// MessageStructure is "json". Platform values are themselves JSON strings.
func snsMessage(msg Message) (string, error) {
	data := make(map[string]string, len(msg.Data))
	for k, v := range msg.Data {
		if s, ok := v.(string); ok {
			data[k] = s
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		data[k] = string(b)
	}

	priority := "normal"
	if msg.Urgent() {
		priority = "high"
	}
	gcm, err := json.Marshal(map[string]interface{}{
		"notification": map[string]string{"title": msg.Title, "body": msg.Body, "tag": msg.Tag},
		"data":         data,
		"priority":     priority,
	})
	if err != nil {
		return "", err
	}
	apns, err := json.Marshal(map[string]interface{}{
		"aps": map[string]interface{}{
			"alert": map[string]string{"title": msg.Title, "body": msg.Body},
			"sound": "default",
		},
		"data": data,
	})
	if err != nil {
		return "", err
	}

	out, err := json.Marshal(map[string]string{
		"default":      msg.Body,
		"GCM":          string(gcm),
		"APNS":         string(apns),
		"APNS_SANDBOX": string(apns),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode sns message: %w", err)
	}
	return string(out), nil
}
