// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package sandbox

import "net/url"

// ContainerHostAlias is the name a containerized workload uses to reach
// services on the host machine.
const ContainerHostAlias = "host.docker.internal"

// ResolveHostURL rewrites loopback hosts to the container-to-host alias when
// the worker itself runs inside a container; a URL meaningful from the
// operator's machine (localhost:8080) is not reachable from inside the
// execution container by the same name. Total function: unparseable input
// is returned unchanged so it fails later at connection time with a clearer
// error.
func ResolveHostURL(raw string, inContainer bool) string {
	if !inContainer || raw == "" {
		return raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	host := u.Hostname()
	if host != "localhost" && host != "127.0.0.1" {
		return raw
	}

	if port := u.Port(); port != "" {
		u.Host = ContainerHostAlias + ":" + port
	} else {
		u.Host = ContainerHostAlias
	}
	return u.String()
}
