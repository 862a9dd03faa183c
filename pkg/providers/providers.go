// Package providers builds driver option maps for machine provisioning.
// The maps are opaque to the orchestration core; keys are passed verbatim
// to the external tool as --key value pairs.
package providers

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// DigitalOcean describes a droplet to provision.
type DigitalOcean struct {
	Token            string `validate:"required"`
	Region           string `validate:"required"`
	Size             string `validate:"required"`
	Image            string `validate:"required"`
	EngineInstallURL string `validate:"omitempty,url"`
}

// NewDigitalOcean fills defaults; the token falls back to DO_API_TOKEN.
func NewDigitalOcean(token string) DigitalOcean {
	if token == "" {
		token = os.Getenv("DO_API_TOKEN")
	}
	return DigitalOcean{
		Token:            token,
		Region:           "ams3",
		Size:             "s-1vcpu-2gb-amd",
		Image:            "ubuntu-18-04-x64",
		EngineInstallURL: "https://releases.rancher.com/install-docker/19.03.9.sh",
	}
}

func (c DigitalOcean) Options() (map[string]string, error) {
	if err := validate.Struct(c); err != nil {
		return nil, fmt.Errorf("digitalocean config: %w", err)
	}
	opts := map[string]string{
		"driver":                    "digitalocean",
		"digitalocean-region":       c.Region,
		"digitalocean-size":         c.Size,
		"digitalocean-image":        c.Image,
		"digitalocean-access-token": c.Token,
	}
	if c.EngineInstallURL != "" {
		opts["engine-install-url"] = c.EngineInstallURL
	}
	return opts, nil
}

// AmazonEC2 describes an EC2 instance to provision.
type AmazonEC2 struct {
	AccessKey    string `validate:"required"`
	SecretKey    string `validate:"required"`
	Region       string `validate:"required"`
	InstanceType string `validate:"required"`
	AMI          string `validate:"required"`
}

// NewAmazonEC2 fills defaults; keys fall back to AWS_ACCESS_KEY and
// AWS_SECRET_KEY.
func NewAmazonEC2(accessKey, secretKey string) AmazonEC2 {
	if accessKey == "" {
		accessKey = os.Getenv("AWS_ACCESS_KEY")
	}
	if secretKey == "" {
		secretKey = os.Getenv("AWS_SECRET_KEY")
	}
	return AmazonEC2{
		AccessKey:    accessKey,
		SecretKey:    secretKey,
		Region:       "eu-central-1",
		InstanceType: "t2.micro",
		AMI:          "ami-0b1deee75235aa4bb",
	}
}

func (c AmazonEC2) Options() (map[string]string, error) {
	if err := validate.Struct(c); err != nil {
		return nil, fmt.Errorf("amazonec2 config: %w", err)
	}
	return map[string]string{
		"driver":                  "amazonec2",
		"amazonec2-access-key":    c.AccessKey,
		"amazonec2-secret-key":    c.SecretKey,
		"amazonec2-region":        c.Region,
		"amazonec2-instance-type": c.InstanceType,
		"amazonec2-ami":           c.AMI,
	}, nil
}

// GoogleCompute describes a GCE instance to provision.
type GoogleCompute struct {
	Project     string `validate:"required"`
	Zone        string `validate:"required"`
	MachineType string `validate:"required"`
}

func NewGoogleCompute(project string) GoogleCompute {
	if project == "" {
		project = os.Getenv("GOOGLE_PROJECT")
	}
	return GoogleCompute{
		Project:     project,
		Zone:        "europe-west1-b",
		MachineType: "n1-standard-1",
	}
}

func (c GoogleCompute) Options() (map[string]string, error) {
	if err := validate.Struct(c); err != nil {
		return nil, fmt.Errorf("google config: %w", err)
	}
	return map[string]string{
		"driver":              "google",
		"google-project":      c.Project,
		"google-zone":         c.Zone,
		"google-machine-type": c.MachineType,
	}, nil
}
