package executor

import (
	"fmt"
	"strings"
)

// Safe responders for infrastructure-control tools. Responses are
// deterministic, side-effect free, and always carry the interception
// trailer so nothing here can be mistaken for a real tool run.

func stubDocker(args []string) (string, string, int) {
	if len(args) == 0 {
		return "Docker version 20.10.17" + intercepted("docker"), "", 0
	}
	switch args[0] {
	case "ps":
		return "CONTAINER ID   IMAGE     COMMAND   CREATED   STATUS    PORTS     NAMES" + intercepted("docker"), "", 0
	case "images":
		return "REPOSITORY    TAG       IMAGE ID       CREATED       SIZE" + intercepted("docker"), "", 0
	default:
		return fmt.Sprintf("docker %s", strings.Join(args, " ")) + intercepted("docker"), "", 0
	}
}

func stubKubectl(args []string) (string, string, int) {
	if len(args) == 0 {
		return "kubectl controls the Kubernetes cluster manager." + intercepted("kubectl"), "", 0
	}
	if args[0] == "get" {
		return "No resources found in default namespace." + intercepted("kubectl"), "", 0
	}
	return fmt.Sprintf("kubectl %s", strings.Join(args, " ")) + intercepted("kubectl"), "", 0
}

func stubTerraform(args []string) (string, string, int) {
	if len(args) == 0 {
		return "Terraform v1.0.0" + intercepted("terraform"), "", 0
	}
	switch args[0] {
	case "plan":
		return "No changes. Infrastructure is up-to-date." + intercepted("terraform"), "", 0
	case "apply":
		return "Apply complete! Resources: 0 added, 0 changed, 0 destroyed." + intercepted("terraform"), "", 0
	default:
		return fmt.Sprintf("terraform %s", strings.Join(args, " ")) + intercepted("terraform"), "", 0
	}
}

func stubAnsible(args []string) (string, string, int) {
	return fmt.Sprintf("ansible %s", strings.Join(args, " ")) + intercepted("ansible"), "", 0
}

func stubCurl(args []string) (string, string, int) {
	url := "http://example.com"
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			url = a
			break
		}
	}
	return fmt.Sprintf("HTTP GET %s\nStatus: 200 OK\nContent: Sample response", url) + intercepted("curl"), "", 0
}

func stubRemoteShell(args []string) (string, string, int) {
	// Remote access tools never run: the sandbox holds no host credentials.
	return "", "remote access is not available from the sandbox" + intercepted("remote"), 1
}
