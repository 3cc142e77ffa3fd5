package hcloud

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/imamik/tenantplane/internal/compute"
	"github.com/imamik/tenantplane/internal/util/labels"
)

// AddCertificate ensures a managed certificate for the app hostname exists.
// Issuance completes asynchronously; the call returns once the certificate
// resource has been accepted.
func (c *RealClient) AddCertificate(ctx context.Context, spec compute.CertificateSpec) (compute.Result, error) {
	if spec.Hostname == "" {
		return compute.Result{}, fmt.Errorf("add certificate: %w: empty hostname", compute.ErrInvalidRequest)
	}

	lbls := labels.NewLabelBuilder(spec.App).WithRole(labels.RoleCertificate).Build()

	cert, existed, err := (&EnsureOperation[*hcloud.Certificate, hcloud.CertificateCreateOpts]{
		Name:         spec.Name,
		ResourceType: "certificate",
		Get:          c.client.Certificate.Get,
		Create: func(ctx context.Context, opts hcloud.CertificateCreateOpts) (*CreateResult[*hcloud.Certificate], *hcloud.Response, error) {
			res, resp, err := c.client.Certificate.CreateCertificate(ctx, opts)
			if err != nil {
				return nil, resp, err
			}
			return &CreateResult[*hcloud.Certificate]{Resource: res.Certificate}, resp, nil
		},
		Validate: func(cert *hcloud.Certificate) error {
			if !slices.Contains(cert.DomainNames, spec.Hostname) {
				return fmt.Errorf("certificate %s exists without domain %s: %w",
					spec.Name, spec.Hostname, compute.ErrInvalidRequest)
			}
			return nil
		},
		CreateOptsMapper: func() hcloud.CertificateCreateOpts {
			return hcloud.CertificateCreateOpts{
				Name:        spec.Name,
				Type:        hcloud.CertificateTypeManaged,
				DomainNames: []string{spec.Hostname},
				Labels:      lbls,
			}
		},
	}).Execute(ctx, c)
	if err != nil {
		return compute.Result{}, err
	}

	return compute.Result{
		ID:             strconv.FormatInt(cert.ID, 10),
		Name:           cert.Name,
		AlreadyExisted: existed,
	}, nil
}

func (c *RealClient) deleteCertificate(ctx context.Context, name string) error {
	return (&DeleteOperation[*hcloud.Certificate]{
		Name:         name,
		ResourceType: "certificate",
		Get:          c.client.Certificate.Get,
		Delete:       c.client.Certificate.Delete,
	}).Execute(ctx, c)
}
