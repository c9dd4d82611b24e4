package config

// Capability is the set of applications and vendors a node, or a peer,
// declares via CER/CEA: five unordered sets per RFC 3588 section 5.3.
type Capability struct {
	SupportedVendors []uint32
	AuthApplications []uint32
	AcctApplications []uint32

	// VendorAuthApplications and VendorAcctApplications hold the pairs
	// carried inside Vendor-Specific-Application-Id groups.
	VendorAuthApplications []VendorApplication
	VendorAcctApplications []VendorApplication
}

// VendorApplication pairs a vendor id with an application id, as found
// inside a Vendor-Specific-Application-Id AVP.
type VendorApplication struct {
	VendorId      uint32
	ApplicationId uint32
}

// IsEmpty reports whether c carries no application or vendor at all: used
// to reject a capability negotiation that yields no common application.
func (c Capability) IsEmpty() bool {
	return len(c.SupportedVendors) == 0 &&
		len(c.AuthApplications) == 0 &&
		len(c.AcctApplications) == 0 &&
		len(c.VendorAuthApplications) == 0 &&
		len(c.VendorAcctApplications) == 0
}

// HasAuthApplication reports whether the plain (non-vendor) Auth-Application-Id
// set contains id.
func (c Capability) HasAuthApplication(id uint32) bool {
	return contains(c.AuthApplications, id)
}

// HasAcctApplication reports whether the plain Acct-Application-Id set
// contains id.
func (c Capability) HasAcctApplication(id uint32) bool {
	return contains(c.AcctApplications, id)
}

// HasVendorAuthApplication reports whether the vendor-specific auth set
// contains the (vendorId, appId) pair. This also covers the common 3GPP
// interoperability wrinkle where a peer advertises an application only
// inside a Vendor-Specific-Application-Id group and never in the plain
// Auth-Application-Id list: callers should fall back to this check when
// HasAuthApplication fails and a Vendor-Id is present on the request.
func (c Capability) HasVendorAuthApplication(vendorId, appId uint32) bool {
	for _, va := range c.VendorAuthApplications {
		if va.VendorId == vendorId && va.ApplicationId == appId {
			return true
		}
	}
	return false
}

// HasVendorAcctApplication reports whether the vendor-specific acct set
// contains the (vendorId, appId) pair.
func (c Capability) HasVendorAcctApplication(vendorId, appId uint32) bool {
	for _, va := range c.VendorAcctApplications {
		if va.VendorId == vendorId && va.ApplicationId == appId {
			return true
		}
	}
	return false
}

// SupportsVendor reports whether vendorId is in the Supported-Vendor-Id set.
func (c Capability) SupportsVendor(vendorId uint32) bool {
	return contains(c.SupportedVendors, vendorId)
}

// Intersect returns the capabilities common to both c and other: the basis
// for capability negotiation during CER/CEA processing.
func (c Capability) Intersect(other Capability) Capability {
	var out Capability
	for _, v := range c.SupportedVendors {
		if other.SupportsVendor(v) {
			out.SupportedVendors = append(out.SupportedVendors, v)
		}
	}
	for _, a := range c.AuthApplications {
		if other.HasAuthApplication(a) {
			out.AuthApplications = append(out.AuthApplications, a)
		}
	}
	for _, a := range c.AcctApplications {
		if other.HasAcctApplication(a) {
			out.AcctApplications = append(out.AcctApplications, a)
		}
	}
	for _, va := range c.VendorAuthApplications {
		if other.HasVendorAuthApplication(va.VendorId, va.ApplicationId) {
			out.VendorAuthApplications = append(out.VendorAuthApplications, va)
		}
	}
	for _, va := range c.VendorAcctApplications {
		if other.HasVendorAcctApplication(va.VendorId, va.ApplicationId) {
			out.VendorAcctApplications = append(out.VendorAcctApplications, va)
		}
	}
	return out
}

// Merge returns the union of c and other, without duplicate entries.
func (c Capability) Merge(other Capability) Capability {
	out := c
	for _, v := range other.SupportedVendors {
		if !contains(out.SupportedVendors, v) {
			out.SupportedVendors = append(out.SupportedVendors, v)
		}
	}
	for _, a := range other.AuthApplications {
		if !contains(out.AuthApplications, a) {
			out.AuthApplications = append(out.AuthApplications, a)
		}
	}
	for _, a := range other.AcctApplications {
		if !contains(out.AcctApplications, a) {
			out.AcctApplications = append(out.AcctApplications, a)
		}
	}
	for _, va := range other.VendorAuthApplications {
		if !containsVendorApp(out.VendorAuthApplications, va) {
			out.VendorAuthApplications = append(out.VendorAuthApplications, va)
		}
	}
	for _, va := range other.VendorAcctApplications {
		if !containsVendorApp(out.VendorAcctApplications, va) {
			out.VendorAcctApplications = append(out.VendorAcctApplications, va)
		}
	}
	return out
}

func contains(set []uint32, v uint32) bool {
	for _, x := range set {
		if x == v {
			return true
		}
	}
	return false
}

func containsVendorApp(set []VendorApplication, v VendorApplication) bool {
	for _, x := range set {
		if x == v {
			return true
		}
	}
	return false
}
