// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package aws implements the firewall.Adapter contract against an EC2
// Security Group, promoting github.com/aws/aws-sdk-go from an indirect
// dependency (pulled in transitively elsewhere in the retrieved corpus)
// to a direct one here.
package aws

import (
	"context"
	"fmt"
	"sync"

	awssdk "github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"

	"sentinel/internal/firewall"
	"sentinel/internal/policy"
	"sentinel/internal/sentinelerr"
)

// Config names the security group an Adapter manages.
type Config struct {
	Region          string
	SecurityGroupID string
}

// Adapter manages ingress/egress permissions on one EC2 Security Group.
// Security groups are implicit-deny allow-lists, so DENY/DROP/REJECT
// rules cannot be expressed: AddRule treats them as no-ops and returns a
// sentinelerr.KindAdapterPermanent-classified error the orchestrator logs
// as a warning rather than retries.
type Adapter struct {
	cfg Config
	svc *ec2.EC2
	mu  sync.Mutex

	// handles maps a managed rule's ShortID to the permission it
	// authorized, so RemoveRule can revoke the exact entry without
	// re-deriving it from vendor-side state (adapters never read vendor
	// state back for correctness).
	handles map[string]appliedPermission
}

type appliedPermission struct {
	perm      ec2.IpPermission
	direction policy.Direction
}

// New builds an Adapter, or returns an error if no AWS session/credentials
// resolve — mirrored by IsAvailable returning false in that case.
func New(cfg Config) (*Adapter, error) {
	sess, err := session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
		Config:            awssdk.Config{Region: awssdk.String(cfg.Region)},
	})
	if err != nil {
		return nil, fmt.Errorf("aws.New: %w", err)
	}
	return &Adapter{cfg: cfg, svc: ec2.New(sess), handles: make(map[string]appliedPermission)}, nil
}

func (a *Adapter) Name() string { return "aws" }

// IsAvailable reports whether the security group can be described, which
// exercises both credential resolution and reachability in one call.
func (a *Adapter) IsAvailable(ctx context.Context) bool {
	if a.svc == nil {
		return false
	}
	_, err := a.svc.DescribeSecurityGroupsWithContext(ctx, &ec2.DescribeSecurityGroupsInput{
		GroupIds: []*string{awssdk.String(a.cfg.SecurityGroupID)},
	})
	return err == nil
}

// AddRule authorizes an ingress or egress permission for ALLOW/RATE_LIMIT
// rules. DENY/DROP/REJECT are no-ops (see Adapter doc).
func (a *Adapter) AddRule(ctx context.Context, r policy.Rule) error {
	switch r.Action {
	case policy.ActionDeny, policy.ActionDrop, policy.ActionReject:
		return sentinelerr.New(sentinelerr.KindAdapterPermanent, "aws.AddRule",
			fmt.Errorf("security groups cannot express %s; rule %s is a no-op", r.Action, r.ShortID()))
	case policy.ActionAllow, policy.ActionRateLimit, policy.ActionLog, policy.ActionMonitor:
		// fall through to authorize
	default:
		return sentinelerr.New(sentinelerr.KindAdapterPermanent, "aws.AddRule",
			fmt.Errorf("unsupported action %s", r.Action))
	}

	perm := translatePermission(r)

	a.mu.Lock()
	defer a.mu.Unlock()

	var err error
	if r.Direction == policy.DirectionEgress {
		_, err = a.svc.AuthorizeSecurityGroupEgressWithContext(ctx, &ec2.AuthorizeSecurityGroupEgressInput{
			GroupId:       awssdk.String(a.cfg.SecurityGroupID),
			IpPermissions: []*ec2.IpPermission{&perm},
		})
	} else {
		_, err = a.svc.AuthorizeSecurityGroupIngressWithContext(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       awssdk.String(a.cfg.SecurityGroupID),
			IpPermissions: []*ec2.IpPermission{&perm},
		})
	}
	if err != nil {
		return classifyAWSError("aws.AddRule", err)
	}
	a.handles[r.ShortID()] = appliedPermission{perm: perm, direction: r.Direction}
	return nil
}

// RemoveRule revokes the permission previously authorized for r.
func (a *Adapter) RemoveRule(ctx context.Context, r policy.Rule) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	applied, ok := a.handles[r.ShortID()]
	if !ok {
		return nil // no-op rule (DENY/DROP/REJECT) or never applied
	}

	err := a.revokeLocked(ctx, applied)
	if err != nil {
		return classifyAWSError("aws.RemoveRule", err)
	}
	delete(a.handles, r.ShortID())
	return nil
}

func (a *Adapter) revokeLocked(ctx context.Context, applied appliedPermission) error {
	perm := applied.perm
	if applied.direction == policy.DirectionEgress {
		_, err := a.svc.RevokeSecurityGroupEgressWithContext(ctx, &ec2.RevokeSecurityGroupEgressInput{
			GroupId:       awssdk.String(a.cfg.SecurityGroupID),
			IpPermissions: []*ec2.IpPermission{&perm},
		})
		return err
	}
	_, err := a.svc.RevokeSecurityGroupIngressWithContext(ctx, &ec2.RevokeSecurityGroupIngressInput{
		GroupId:       awssdk.String(a.cfg.SecurityGroupID),
		IpPermissions: []*ec2.IpPermission{&perm},
	})
	return err
}

// ListRules returns the rules this Adapter instance has applied, from its
// local handle cache.
func (a *Adapter) ListRules(ctx context.Context) ([]policy.Rule, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rules := make([]policy.Rule, 0, len(a.handles))
	for id := range a.handles {
		rules = append(rules, policy.Rule{CreatedBy: firewall.ManagedTag(id)})
	}
	return rules, nil
}

// ClearManaged revokes every permission this Adapter instance applied.
func (a *Adapter) ClearManaged(ctx context.Context) (int, []error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	var errs []error
	for id, applied := range a.handles {
		if err := a.revokeLocked(ctx, applied); err != nil {
			errs = append(errs, classifyAWSError("aws.ClearManaged", err))
			continue
		}
		delete(a.handles, id)
		removed++
	}
	return removed, errs
}

// translatePermission builds the ec2.IpPermission for r.
func translatePermission(r policy.Rule) ec2.IpPermission {
	protocol := "-1"
	switch r.Protocol {
	case policy.ProtocolTCP:
		protocol = "tcp"
	case policy.ProtocolUDP:
		protocol = "udp"
	case policy.ProtocolICMP:
		protocol = "icmp"
	}

	perm := ec2.IpPermission{IpProtocol: awssdk.String(protocol)}
	if protocol == "icmp" {
		perm.FromPort = awssdk.Int64(-1)
		perm.ToPort = awssdk.Int64(-1)
	} else if r.DestPort != 0 {
		perm.FromPort = awssdk.Int64(int64(r.DestPort))
		perm.ToPort = awssdk.Int64(int64(r.DestPort))
	}

	cidr := r.Source
	if cidr == "" {
		cidr = "0.0.0.0/0"
	}
	desc := fmt.Sprintf("%s - policy rule", firewall.ManagedTag(r.ShortID()))
	perm.IpRanges = []*ec2.IpRange{{CidrIp: awssdk.String(cidr), Description: awssdk.String(desc)}}
	return perm
}

func classifyAWSError(op string, err error) error {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case "RequestLimitExceeded", "Throttling", "InternalError":
			return sentinelerr.New(sentinelerr.KindAdapterTransient, op, err)
		}
	}
	return sentinelerr.New(sentinelerr.KindAdapterPermanent, op, err)
}
