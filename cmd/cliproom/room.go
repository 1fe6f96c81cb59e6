package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/cliproom/internal/client"
	"github.com/MarcoPoloResearchLab/cliproom/internal/clipboard"
	"github.com/MarcoPoloResearchLab/cliproom/internal/config"
	"github.com/MarcoPoloResearchLab/cliproom/internal/logging"
	"github.com/MarcoPoloResearchLab/cliproom/internal/rooms"
	"github.com/MarcoPoloResearchLab/cliproom/internal/roomsync"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const stdinArgument = "-"

type textClipboard interface {
	ReadText() (string, error)
	WriteText(text string) error
}

var openClipboard = func() textClipboard { return clipboard.NewSystem() }

// roomSession bundles the client-side collaborators for one room.
type roomSession struct {
	client        *client.Client
	session       *roomsync.Session
	config        config.ClientConfig
	notifications roomsync.Notifications
	logger        *zap.Logger
}

func newRoomClient() (*client.Client, config.ClientConfig, *zap.Logger, error) {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, config.ClientConfig{}, nil, err
	}
	logger, err := logging.NewConsoleLogger(clientConfig.LogLevel)
	if err != nil {
		return nil, config.ClientConfig{}, nil, err
	}
	roomClient, err := client.New(client.Config{
		BaseURL: clientConfig.ServerURL,
		Timeout: clientConfig.RequestTimeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, config.ClientConfig{}, nil, err
	}
	return roomClient, clientConfig, logger, nil
}

func openRoom(cmd *cobra.Command, rawCode string) (*roomSession, error) {
	code, err := rooms.NewCode(rawCode)
	if err != nil {
		return nil, err
	}
	roomClient, clientConfig, logger, err := newRoomClient()
	if err != nil {
		return nil, err
	}
	notifier, err := client.NewWebSocketNotifier(client.WebSocketNotifierConfig{
		BaseURL: clientConfig.ServerURL,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	session, err := roomsync.OpenSession(cmd.Context(), roomsync.SessionConfig{
		Code:     code,
		Store:    roomClient,
		Notifier: notifier,
		Timeout:  clientConfig.RequestTimeout,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	stderr := cmd.ErrOrStderr()
	notifications := roomsync.NotificationsFunc(func(event roomsync.Event) {
		fmt.Fprintf(stderr, "%s: %s\n", event.Title, event.Description)
	})
	return &roomSession{
		client:        roomClient,
		session:       session,
		config:        clientConfig,
		notifications: notifications,
		logger:        logger,
	}, nil
}

func (r *roomSession) textEditor() (*roomsync.TextEditor, error) {
	return roomsync.NewTextEditor(roomsync.TextEditorConfig{
		Session:       r.session,
		Debounce:      r.config.Debounce,
		Timeout:       r.config.RequestTimeout,
		Notifications: r.notifications,
		Logger:        r.logger,
	})
}

func (r *roomSession) imageController() (*roomsync.ImageController, error) {
	return roomsync.NewImageController(roomsync.ImageControllerConfig{
		Session:       r.session,
		Blobs:         r.client,
		Timeout:       r.config.RequestTimeout,
		Notifications: r.notifications,
		Logger:        r.logger,
	})
}

func (r *roomSession) Close() {
	r.session.Close()
	_ = r.logger.Sync()
}

func printRoom(out io.Writer, room rooms.Room) {
	fmt.Fprintf(out, "room %s (updated %s)\n", room.Code, room.LastUpdated.Local().Format(time.RFC3339))
	fmt.Fprintf(out, "text:  %q\n", room.Text())
	image := room.Image()
	if image == "" {
		image = "(none)"
	}
	fmt.Fprintf(out, "image: %s\n", image)
}

func newCreateCommand() *cobra.Command {
	var copyCode bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a room and print its code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			roomClient, _, _, err := newRoomClient()
			if err != nil {
				return err
			}
			room, err := roomClient.CreateRoom(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), room.Code)
			if copyCode {
				return copyText(cmd, room.Code, "Room code copied to clipboard")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&copyCode, "copy", false, "Also copy the code to the clipboard")
	return cmd
}

func newJoinCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "join CODE",
		Short: "Check that a room exists and show its contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roomClient, _, _, err := newRoomClient()
			if err != nil {
				return err
			}
			room, err := roomClient.ResolveRoom(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printRoom(cmd.OutOrStdout(), room)
			return nil
		},
	}
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch CODE",
		Short: "Print the room every time another device changes it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			room, err := openRoom(cmd, args[0])
			if err != nil {
				return err
			}
			defer room.Close()

			out := cmd.OutOrStdout()
			printRoom(out, room.session.Snapshot())
			unsubscribe := room.session.OnUpdate(func(updated rooms.Room) {
				printRoom(out, updated)
			})
			defer unsubscribe()

			<-signalCtx.Done()
			return nil
		},
	}
}

func newCopyCodeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "copy-code CODE",
		Short: "Copy a room code to the clipboard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := rooms.NewCode(args[0])
			if err != nil {
				return err
			}
			return copyText(cmd, code.String(), "Room code copied to clipboard")
		},
	}
}

func copyText(cmd *cobra.Command, text, confirmation string) error {
	if err := openClipboard().WriteText(text); err != nil {
		return fmt.Errorf("%w: %w", roomsync.ErrClipboardUnsupported, err)
	}
	fmt.Fprintln(cmd.ErrOrStderr(), confirmation)
	return nil
}

func newTextCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "text",
		Short: "Read and write the room text",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get CODE",
			Short: "Print the room text",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				room, err := openRoom(cmd, args[0])
				if err != nil {
					return err
				}
				defer room.Close()
				fmt.Fprintln(cmd.OutOrStdout(), room.session.Snapshot().Text())
				return nil
			},
		},
		&cobra.Command{
			Use:   "set CODE [TEXT|-]",
			Short: "Replace the room text; reads stdin when TEXT is - or missing",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				value := stdinArgument
				if len(args) == 2 {
					value = args[1]
				}
				if value == stdinArgument {
					data, err := io.ReadAll(cmd.InOrStdin())
					if err != nil {
						return err
					}
					value = strings.TrimSuffix(string(data), "\n")
				}
				return withTextEditor(cmd, args[0], func(editor *roomsync.TextEditor) error {
					editor.Edit(value)
					return editor.Flush(cmd.Context())
				})
			},
		},
		&cobra.Command{
			Use:   "clear CODE",
			Short: "Clear the room text",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withTextEditor(cmd, args[0], func(editor *roomsync.TextEditor) error {
					return editor.Clear(cmd.Context())
				})
			},
		},
		&cobra.Command{
			Use:   "copy CODE",
			Short: "Copy the room text to the clipboard",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				room, err := openRoom(cmd, args[0])
				if err != nil {
					return err
				}
				defer room.Close()
				return copyText(cmd, room.session.Snapshot().Text(), "Text copied to clipboard")
			},
		},
		&cobra.Command{
			Use:   "paste CODE",
			Short: "Replace the room text with the clipboard contents",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				text, err := openClipboard().ReadText()
				if err != nil {
					return fmt.Errorf("%w: %w", roomsync.ErrClipboardUnsupported, err)
				}
				return withTextEditor(cmd, args[0], func(editor *roomsync.TextEditor) error {
					editor.Edit(text)
					return editor.Flush(cmd.Context())
				})
			},
		},
		&cobra.Command{
			Use:   "type CODE",
			Short: "Treat each stdin line as the new text, saving after a pause in typing",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withTextEditor(cmd, args[0], func(editor *roomsync.TextEditor) error {
					editor.Focus()
					scanner := bufio.NewScanner(cmd.InOrStdin())
					for scanner.Scan() {
						editor.Edit(scanner.Text())
					}
					editor.Blur()
					if err := scanner.Err(); err != nil {
						return err
					}
					return editor.Flush(cmd.Context())
				})
			},
		},
	)
	return cmd
}

func withTextEditor(cmd *cobra.Command, rawCode string, fn func(*roomsync.TextEditor) error) error {
	room, err := openRoom(cmd, rawCode)
	if err != nil {
		return err
	}
	defer room.Close()
	editor, err := room.textEditor()
	if err != nil {
		return err
	}
	defer editor.Close()
	return fn(editor)
}

func newImageCommand() *cobra.Command {
	var contentType string
	var downloadDir string

	put := &cobra.Command{
		Use:   "put CODE FILE",
		Short: "Upload an image and make it the room image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			return withImageController(cmd, args[0], func(_ *roomSession, controller *roomsync.ImageController) error {
				imageURL, err := controller.Upload(cmd.Context(), filepath.Base(args[1]), contentType, data)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), imageURL)
				return nil
			})
		},
	}
	put.Flags().StringVar(&contentType, "content-type", "", "Declared image type (sniffed when empty)")

	download := &cobra.Command{
		Use:   "download CODE",
		Short: "Save the room image to a local file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withImageController(cmd, args[0], func(room *roomSession, controller *roomsync.ImageController) error {
				path, err := controller.Download(cmd.Context(), room.client, downloadDir)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			})
		},
	}
	download.Flags().StringVar(&downloadDir, "dir", ".", "Directory to save the image into")

	cmd := &cobra.Command{
		Use:   "image",
		Short: "Manage the room image",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get CODE",
			Short: "Print the room image URL",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withImageController(cmd, args[0], func(_ *roomSession, controller *roomsync.ImageController) error {
					if controller.State() != roomsync.ImagePresent {
						return roomsync.ErrNoImage
					}
					fmt.Fprintln(cmd.OutOrStdout(), controller.URL())
					return nil
				})
			},
		},
		put,
		&cobra.Command{
			Use:   "clear CODE",
			Short: "Remove the room image",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withImageController(cmd, args[0], func(_ *roomSession, controller *roomsync.ImageController) error {
					return controller.Clear(cmd.Context())
				})
			},
		},
		&cobra.Command{
			Use:   "copy CODE",
			Short: "Copy the room image, or its URL, to the clipboard",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withImageController(cmd, args[0], func(room *roomSession, controller *roomsync.ImageController) error {
					outcome, err := controller.CopyImage(cmd.Context(), room.client, clipboard.NewSystem())
					if err != nil {
						if errors.Is(err, roomsync.ErrClipboardUnsupported) {
							fmt.Fprintf(cmd.ErrOrStderr(), "run `cliproom image download %s` instead\n", room.session.Code())
						}
						return err
					}
					switch outcome {
					case roomsync.CopiedImage:
						fmt.Fprintln(cmd.ErrOrStderr(), "Image copied to clipboard")
					case roomsync.CopiedURL:
						fmt.Fprintln(cmd.ErrOrStderr(), "Image URL copied to clipboard")
					}
					return nil
				})
			},
		},
		download,
	)
	return cmd
}

func withImageController(cmd *cobra.Command, rawCode string, fn func(*roomSession, *roomsync.ImageController) error) error {
	room, err := openRoom(cmd, rawCode)
	if err != nil {
		return err
	}
	defer room.Close()
	controller, err := room.imageController()
	if err != nil {
		return err
	}
	defer controller.Close()
	return fn(room, controller)
}
