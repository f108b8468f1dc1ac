package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path"
	"runtime"
	"strconv"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/acobaugh/osrelease"
	"github.com/apex/log"
	"github.com/buger/jsonparser"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/strongroom/strongroom/config"
	"github.com/strongroom/strongroom/loggers/cli"
	"github.com/strongroom/strongroom/storage/filesystem"
	"github.com/strongroom/strongroom/system"
)

const (
	DefaultHastebinUrl = "https://hastebin.com"
	DefaultLogLines    = 200
)

var diagnosticsArgs struct {
	IncludeEndpoints   bool
	IncludeLogs        bool
	ReviewBeforeUpload bool
	HastebinURL        string
	LogLines           int
}

func newDiagnosticsCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "diagnostics",
		Short: "Collect and report information about this instance to assist in debugging.",
		PreRun: func(cmd *cobra.Command, args []string) {
			log.SetHandler(cli.Default)
		},
		Run: diagnosticsCmdRun,
	}

	command.Flags().StringVar(&diagnosticsArgs.HastebinURL, "hastebin-url", DefaultHastebinUrl, "the url of the hastebin instance to use")
	command.Flags().IntVar(&diagnosticsArgs.LogLines, "log-lines", DefaultLogLines, "the number of log lines to include in the report")

	return command
}

// diagnosticsCmdRun collects diagnostics about the daemon, its configuration
// and the node. We collect:
// - the daemon and Go versions
// - relevant parts of the daemon configuration, credentials masked
// - the lock markers currently on disk
// - the state of the audit database file
// - logs
func diagnosticsCmdRun(cmd *cobra.Command, args []string) {
	questions := []*survey.Question{
		{
			Name:   "IncludeEndpoints",
			Prompt: &survey.Confirm{Message: "Do you want to include endpoints (i.e. the FQDN/IP this daemon binds to)?", Default: false},
		},
		{
			Name:   "IncludeLogs",
			Prompt: &survey.Confirm{Message: "Do you want to include the latest logs?", Default: true},
		},
		{
			Name: "ReviewBeforeUpload",
			Prompt: &survey.Confirm{
				Message: "Do you want to review the collected data before uploading to " + diagnosticsArgs.HastebinURL + "?",
				Help:    "The data, especially the logs, might contain sensitive information, so you should review it. You will be asked again if you want to upload.",
				Default: true,
			},
		},
	}
	if err := survey.Ask(questions, &diagnosticsArgs); err != nil {
		if err == terminal.InterruptErr {
			return
		}
		panic(err)
	}

	cfg, cfgErr := readConfiguration()

	output := &strings.Builder{}
	fmt.Fprintln(output, "Strongroom - Diagnostics Report")
	printHeader(output, "Versions")
	fmt.Fprintln(output, "          Strongroom:", system.Version)
	fmt.Fprintln(output, "                  Go:", runtime.Version())
	if k, err := exec.Command("uname", "-srm").Output(); err == nil {
		fmt.Fprintln(output, "              Kernel:", strings.TrimSpace(string(k)))
	}
	if o, err := osrelease.Read(); err == nil {
		fmt.Fprintln(output, "                  OS:", o["PRETTY_NAME"])
	}
	fmt.Fprintln(output, "         Server Time:", time.Now().Format(time.RFC1123Z))

	printHeader(output, "Configuration")
	if cfgErr != nil {
		fmt.Fprintln(output, "Couldn't load configuration:", cfgErr.Error())
	} else if b, err := redactedConfiguration(cfg); err != nil {
		fmt.Fprintln(output, "Couldn't render configuration:", err.Error())
	} else {
		output.Write(b)
	}

	printHeader(output, "Lock Markers")
	if cfg == nil {
		fmt.Fprintln(output, "Skipped, no configuration.")
	} else if fs, err := filesystem.New(cfg.Storage, cfg.Locks); err != nil {
		fmt.Fprintln(output, "Couldn't open the storage root:", err.Error())
	} else if markers, err := fs.Locks().Snapshot(); err != nil {
		fmt.Fprintln(output, "Couldn't read the marker directory:", err.Error())
	} else if len(markers) == 0 {
		fmt.Fprintln(output, "No lock markers are present on disk.")
	} else {
		for _, m := range markers {
			name := m.Path
			if name == "" {
				name = m.File + " (unreadable body)"
			}
			fmt.Fprintf(output, "%s held by pid %d for %s\n", name, m.Pid, time.Since(m.ModTime).Truncate(time.Second))
		}
	}

	printHeader(output, "Audit Database")
	if cfg == nil {
		fmt.Fprintln(output, "Skipped, no configuration.")
	} else if s, err := os.Stat(cfg.DatabasePath()); err != nil {
		fmt.Fprintln(output, "Couldn't stat the database file:", err.Error())
	} else {
		fmt.Fprintln(output, "    Location:", cfg.DatabasePath())
		fmt.Fprintln(output, "        Size:", system.FormatBytes(s.Size()))
		fmt.Fprintln(output, "    Modified:", s.ModTime().Format(time.RFC1123Z))
	}

	printHeader(output, "Latest Logs")
	if diagnosticsArgs.IncludeLogs {
		p := "/var/log/strongroom/strongroom.log"
		if cfg != nil {
			p = path.Join(cfg.System.LogDirectory, "strongroom.log")
		}
		if c, err := exec.Command("tail", "-n", strconv.Itoa(diagnosticsArgs.LogLines), p).Output(); err != nil {
			fmt.Fprintln(output, "No logs found or an error occurred.")
		} else {
			fmt.Fprintf(output, "%s\n", string(c))
		}
	} else {
		fmt.Fprintln(output, "Logs redacted.")
	}

	if !diagnosticsArgs.IncludeEndpoints && cfg != nil {
		s := output.String()
		output.Reset()
		for _, needle := range []string{cfg.Api.Host, cfg.Api.Ssl.CertificateFile, cfg.Api.Ssl.KeyFile, cfg.Sftp.Address} {
			if needle != "" {
				s = strings.ReplaceAll(s, needle, "{redacted}")
			}
		}
		output.WriteString(s)
	}

	fmt.Println("\n---------------  generated report  ---------------")
	fmt.Println(output.String())
	fmt.Print("---------------   end of report    ---------------\n\n")

	upload := !diagnosticsArgs.ReviewBeforeUpload
	if !upload {
		survey.AskOne(&survey.Confirm{Message: "Upload to " + diagnosticsArgs.HastebinURL + "?", Default: false}, &upload)
	}
	if upload {
		u, err := uploadToHastebin(diagnosticsArgs.HastebinURL, output.String())
		if err == nil {
			fmt.Println("Your report is available here: ", u)
		}
	}
}

// The marshaled configuration with every credential masked. Endpoint values
// are left alone here, masking those is the report assembler's decision.
func redactedConfiguration(cfg *config.Configuration) ([]byte, error) {
	c := *cfg
	c.AuthenticationToken = "{redacted}"
	c.Sftp.Users = make([]config.SftpUser, len(cfg.Sftp.Users))
	for i, u := range cfg.Sftp.Users {
		c.Sftp.Users[i] = config.SftpUser{Username: u.Username, Password: "{redacted}"}
	}
	return yaml.Marshal(c)
}

func uploadToHastebin(hbUrl, content string) (string, error) {
	r := strings.NewReader(content)
	u, err := url.Parse(hbUrl)
	if err != nil {
		return "", err
	}
	u.Path = path.Join(u.Path, "documents")
	res, err := http.Post(u.String(), "plain/text", r)
	if err != nil {
		fmt.Println("Failed to upload report to ", u.String(), err)
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		return "", errors.New("failed to upload report, the server answered " + res.Status)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		fmt.Println("Failed to parse response.", err)
		return "", err
	}
	key, err := jsonparser.GetString(body, "key")
	if err != nil {
		return "", errors.New("failed to find key in response")
	}
	u, _ = url.Parse(hbUrl)
	u.Path = path.Join(u.Path, key)
	return u.String(), nil
}

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, "\n|\n|", title)
	fmt.Fprintln(w, "| ------------------------------")
}
