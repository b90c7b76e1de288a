package launch

// IMS claim URIs used during validation.
const (
	ClaimMessageType  = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	ClaimVersion      = "https://purl.imsglobal.org/spec/lti/claim/version"
	ClaimDeploymentID = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	ClaimTargetLink   = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	ClaimResourceLink = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	ClaimRoles        = "https://purl.imsglobal.org/spec/lti/claim/roles"
	ClaimContext      = "https://purl.imsglobal.org/spec/lti/claim/context"
	ClaimAGSEndpoint  = "https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"

	MessageTypeResourceLink = "LtiResourceLinkRequest"
	MessageTypeDeepLinking  = "LtiDeepLinkingRequest"

	ltiVersion = "1.3.0"
)

// ResourceLink identifies the placement the launch came from.
type ResourceLink struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// CourseContext is the platform-side course/section the launch happened in.
type CourseContext struct {
	ID    string   `json:"id"`
	Label string   `json:"label,omitempty"`
	Title string   `json:"title,omitempty"`
	Type  []string `json:"type,omitempty"`
}

// AGSEndpoint carries the Assignment and Grade Services claim: the line
// items collection (or a single line item) plus the scopes the platform
// granted this tool.
type AGSEndpoint struct {
	LineItems string   `json:"lineitems,omitempty"`
	LineItem  string   `json:"lineitem,omitempty"`
	Scope     []string `json:"scope,omitempty"`
}

// Context is the validated, immutable result of a successful launch.
type Context struct {
	Issuer       string
	ClientID     string
	DeploymentID string

	MessageType   string
	TargetLinkURI string

	// Platform user identity.
	Subject string
	Name    string
	Email   string
	Roles   []string

	ResourceLink ResourceLink
	Course       CourseContext

	// Nil when the platform granted no AGS access.
	AGS *AGSEndpoint
}

// HasRole reports whether any role claim ends with the given short name
// (e.g. "Instructor", "Learner"); role URIs are long and versioned.
func (c Context) HasRole(short string) bool {
	for _, r := range c.Roles {
		if r == short || hasSuffixSegment(r, short) {
			return true
		}
	}
	return false
}

func hasSuffixSegment(uri, short string) bool {
	for i := len(uri) - 1; i >= 0; i-- {
		if uri[i] == '#' || uri[i] == '/' {
			return uri[i+1:] == short
		}
	}
	return false
}
