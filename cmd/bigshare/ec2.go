// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigshare/shareconfig"
)

func setupEc2Usage(flags *flag.FlagSet) {
	fmt.Fprint(os.Stderr, `usage: bigshare setup-ec2 [-securitygroup name] [-instance type]

Command setup-ec2 sets up a security group so that bigshare hosts can
run on AWS EC2 bigmachines, and configures bigshare to run its hosts
there. The configuration is written to `, shareconfig.Path, `,
which is modified in place if it exists.

An existing security group with the given name is reused. A new group
allows all traffic within the default VPC, all outbound traffic, and
inbound SSH and HTTPS connections. Hosts exchange directory messages
over bigmachine's HTTPS transport.

The flags are:
`)
	flags.PrintDefaults()
	os.Exit(2)
}

func setupEc2Cmd(args []string) {
	var (
		flags         = flag.NewFlagSet("bigshare setup-ec2", flag.ExitOnError)
		securityGroup = flags.String("securitygroup", "bigshare", "name of the security group to set up")
		instance      = flags.String("instance", "m5.xlarge", "EC2 instance type on which hosts run")
	)
	flags.Usage = func() { setupEc2Usage(flags) }
	flags.Parse(args)
	if flags.NArg() != 0 {
		flags.Usage()
	}
	profile := readProfile(shareconfig.Path)
	if region, ok := profile.Get("aws/env.region"); ok && len(region) > 0 {
		must.Nil(profile.Set("bigmachine/ec2system.default-region", strings.Trim(region, `"`)))
	}
	if v, ok := profile.Get("bigmachine/ec2system.security-group"); ok && v != `""` {
		log.Printf("ec2 security group %s already configured", v)
	} else {
		sess, err := session.NewSession()
		must.Nil(err, "setting up AWS session")
		id, err := securityGroupID(ec2.New(sess), *securityGroup)
		must.Nil(err, "setting up security group")
		must.Nil(profile.Set("bigmachine/ec2system.security-group", id))
	}
	must.Nil(profile.Set("bigshare.system", "bigmachine/ec2system"))
	must.Nil(profile.Set("bigmachine/ec2system.instance", *instance))
	writeProfile(profile, shareconfig.Path)
	log.Printf("wrote configuration to %s", shareconfig.Path)
}

// securityGroupID returns the id of the named security group,
// creating it in the default VPC if it does not exist.
func securityGroupID(svc *ec2.EC2, name string) (string, error) {
	groups, err := svc.DescribeSecurityGroups(&ec2.DescribeSecurityGroupsInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("group-name"),
			Values: []*string{aws.String(name)},
		}},
	})
	if err != nil {
		return "", errors.E(errors.Net, fmt.Sprintf("querying security group %s", name), err)
	}
	if len(groups.SecurityGroups) > 0 {
		id := aws.StringValue(groups.SecurityGroups[0].GroupId)
		log.Printf("found existing security group %s", id)
		return id, nil
	}
	vpcs, err := svc.DescribeVpcs(&ec2.DescribeVpcsInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("isDefault"),
			Values: []*string{aws.String("true")},
		}},
	})
	if err != nil {
		return "", errors.E(errors.Net, "retrieving default VPC", err)
	}
	switch len(vpcs.Vpcs) {
	case 0:
		return "", errors.E(errors.Precondition,
			"AWS account does not have a default VPC and requires manual setup.\n"+
				"See https://docs.aws.amazon.com/vpc/latest/userguide/default-vpc.html#create-default-vpc")
	case 1:
	default:
		return "", errors.E(errors.Precondition, "AWS account has multiple default VPCs; needs manual setup")
	}
	vpc := vpcs.Vpcs[0]
	log.Printf("creating security group %s in default VPC %s", name, aws.StringValue(vpc.VpcId))
	created, err := svc.CreateSecurityGroup(&ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(name),
		Description: aws.String("security group created by bigshare setup-ec2"),
		VpcId:       vpc.VpcId,
	})
	if err != nil {
		return "", errors.E(fmt.Sprintf("creating security group %s", name), err)
	}
	id := aws.StringValue(created.GroupId)
	anywhere := []*ec2.IpRange{{CidrIp: aws.String("0.0.0.0/0")}}
	_, err = svc.AuthorizeSecurityGroupIngress(&ec2.AuthorizeSecurityGroupIngressInput{
		GroupName: aws.String(name),
		IpPermissions: []*ec2.IpPermission{
			{
				IpProtocol: aws.String("-1"),
				IpRanges:   []*ec2.IpRange{{CidrIp: vpc.CidrBlock}},
				FromPort:   aws.Int64(0),
				ToPort:     aws.Int64(0),
			},
			{
				IpProtocol: aws.String("tcp"),
				IpRanges:   anywhere,
				FromPort:   aws.Int64(22),
				ToPort:     aws.Int64(22),
			},
			{
				IpProtocol: aws.String("tcp"),
				IpRanges:   anywhere,
				FromPort:   aws.Int64(443),
				ToPort:     aws.Int64(443),
			},
		},
	})
	if err != nil {
		return "", errors.E(fmt.Sprintf("authorizing ingress for security group %s", id), err)
	}
	_, err = svc.CreateTags(&ec2.CreateTagsInput{
		Resources: []*string{aws.String(id)},
		Tags: []*ec2.Tag{
			{Key: aws.String("bigshare-sg"), Value: aws.String("true")},
			{Key: aws.String("Name"), Value: aws.String("bigshare")},
		},
	})
	if err != nil {
		log.Printf("tag security group %s: %v", id, err)
	}
	log.Printf("created security group %s", id)
	return id, nil
}
