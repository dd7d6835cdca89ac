package provision

import (
	"maps"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

const (
	// 'Name' is well-known within AWS itself, 'Project' is commonly used for
	// cost allocation and by cleanup tooling.
	TagKeyName    = "Name"
	TagKeyProject = "Project"

	// TagKeyRunID ties every resource of a single run together.
	TagKeyRunID = "run-on-ec2:run-id"

	// TagKeyExpires carries an RFC 3339 timestamp after which the resource is
	// considered leaked and may be reaped.
	TagKeyExpires = "run-on-ec2:expires"

	TagDefaultProject = "run-on-ec2"
)

// tagSpecifications produces one tag specification per resource type, each
// holding 'withTags' followed by the default tags.
//
// A 'TagSpecification' is just AWS' term for metadata, defined as key-value
// pairs, associated with a particular 'types.ResourceType'.
func (e *EC2) tagSpecifications(withTags []types.Tag, rts ...types.ResourceType) []types.TagSpecification {
	tags := slices.Concat(withTags, e.tagsDefault())
	specs := make([]types.TagSpecification, 0, len(rts))
	for _, rt := range rts {
		specs = append(specs, types.TagSpecification{
			ResourceType: rt,
			Tags:         tags,
		})
	}
	return specs
}

// tagsDefault produces the standard key-value pairs associated to all created
// resources.
func (e *EC2) tagsDefault() []types.Tag {
	project := e.Project
	if project == "" {
		project = TagDefaultProject
	}
	tags := []types.Tag{{
		Key:   aws.String(TagKeyProject),
		Value: aws.String(project),
	}}
	if e.Expiry > 0 {
		expires := e.now().Add(e.Expiry).UTC().Format(time.RFC3339)
		tags = append(tags, types.Tag{
			Key:   aws.String(TagKeyExpires),
			Value: aws.String(expires),
		})
	}
	return tags
}

// tagsFromMap converts 'name' and 'm' to tags, 'Name' first and the rest in
// key order.
func tagsFromMap(name string, m map[string]string) []types.Tag {
	tags := make([]types.Tag, 0, len(m)+1)
	if name != "" {
		tags = append(tags, types.Tag{
			Key:   aws.String(TagKeyName),
			Value: aws.String(name),
		})
	}
	for _, k := range slices.Sorted(maps.Keys(m)) {
		if k == TagKeyName {
			continue
		}
		tags = append(tags, types.Tag{
			Key:   aws.String(k),
			Value: aws.String(m[k]),
		})
	}
	return tags
}
