package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/playperu/tabletop/internal/store"
	"github.com/playperu/tabletop/internal/tabletop"
)

// matchFile is the YAML form accepted by match create -f.
type matchFile struct {
	Title      string   `yaml:"title"`
	Creator    string   `yaml:"creator"`
	Players    int      `yaml:"players"`
	Resources  *int     `yaml:"resources,omitempty"`
	ExtraDraft int      `yaml:"extra_draft,omitempty"`
	Variants   []string `yaml:"variants,omitempty"`
	Invite     []string `yaml:"invite,omitempty"`
}

func loadMatchFile(path string) (matchFile, error) {
	var mf matchFile
	data, err := os.ReadFile(path)
	if err != nil {
		return mf, fmt.Errorf("reading match file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&mf); err != nil {
		return mf, fmt.Errorf("parsing %s: %w", path, err)
	}
	return mf, nil
}

type matchView struct {
	ID            int64      `json:"id"`
	Title         string     `json:"title"`
	Status        string     `json:"status"`
	PlayerCount   int        `json:"player_count"`
	Resources     int        `json:"resources"`
	ExtraDraft    int        `json:"extra_draft"`
	Variants      []string   `json:"variants"`
	CurrentPlayer string     `json:"current_player,omitempty"`
	Seats         []seatView `json:"seats"`
	Replay        string     `json:"replay,omitempty"`
}

type seatView struct {
	Player    string `json:"player"`
	Resources int    `json:"resources"`
	Accepted  bool   `json:"accepted"`
}

func newMatchView(m tabletop.Match, roster tabletop.Roster) matchView {
	v := matchView{
		ID:          m.ID,
		Title:       m.Title,
		Status:      string(m.Status()),
		PlayerCount: m.PlayerCount,
		Resources:   m.Resources,
		ExtraDraft:  m.ExtraDraft,
		Variants:    m.Variants,
		Replay:      m.Replay,
		Seats:       []seatView{},
	}
	if !m.CurrentPlayer.IsNoOne() {
		v.CurrentPlayer = m.CurrentPlayer.Name
	}
	for _, p := range roster {
		v.Seats = append(v.Seats, seatView{Player: p.User.Name, Resources: p.Resources, Accepted: p.Accepted})
	}
	return v
}

func (v matchView) text(w io.Writer) {
	fmt.Fprintf(w, "match %d: %s [%s]\n", v.ID, v.Title, v.Status)
	resources := strconv.Itoa(v.Resources)
	if v.Resources == tabletop.VariableResources {
		resources = "variable"
	}
	fmt.Fprintf(w, "players: %d  resources: %s  extra draft: %d\n", v.PlayerCount, resources, v.ExtraDraft)
	if len(v.Variants) > 0 {
		fmt.Fprintf(w, "variants: %s\n", strings.Join(v.Variants, ", "))
	}
	for i, s := range v.Seats {
		mark := " "
		if s.Accepted {
			mark = "x"
		}
		fmt.Fprintf(w, "  %d. [%s] %s (%d)\n", i+1, mark, s.Player, s.Resources)
	}
	if v.CurrentPlayer != "" {
		fmt.Fprintf(w, "to move: %s\n", v.CurrentPlayer)
	}
}

func newMatchCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "match",
		Short: "Create and inspect matches",
	}
	cmd.AddCommand(newMatchCreateCommand(opts))
	cmd.AddCommand(newMatchShowCommand(opts))
	return cmd
}

func newMatchCreateCommand(opts *rootOptions) *cobra.Command {
	var (
		file      string
		flags     matchFile
		resources int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a match lobby",
		Long: `Create a match lobby seating the creator first and the invited players after.

Settings come from flags, from a YAML file given with -f, or both; flags
override the file.

Examples:
  matchctl match create --title "Friday race" --creator alice --players 3 --invite bob --invite carol
  matchctl match create -f match.yaml --resources -1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mf := matchFile{}
			if file != "" {
				var err error
				if mf, err = loadMatchFile(file); err != nil {
					return err
				}
			}
			changed := cmd.Flags().Changed
			if changed("title") {
				mf.Title = flags.Title
			}
			if changed("creator") {
				mf.Creator = flags.Creator
			}
			if changed("players") {
				mf.Players = flags.Players
			}
			if changed("resources") {
				mf.Resources = &resources
			}
			if changed("extra-draft") {
				mf.ExtraDraft = flags.ExtraDraft
			}
			if changed("variant") {
				mf.Variants = flags.Variants
			}
			if changed("invite") {
				mf.Invite = flags.Invite
			}

			ctx := cmd.Context()
			db, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			v, err := createMatch(ctx, store.NewSQLiteStore(db), mf)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), v, v.text)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file describing the match")
	cmd.Flags().StringVar(&flags.Title, "title", "", "match title")
	cmd.Flags().StringVar(&flags.Creator, "creator", "", "username taking the first seat")
	cmd.Flags().IntVar(&flags.Players, "players", 2, "number of seats")
	cmd.Flags().IntVar(&resources, "resources", 2, "starting resources, -1 lets each player choose")
	cmd.Flags().IntVar(&flags.ExtraDraft, "extra-draft", 0, "extra draft picks")
	cmd.Flags().StringArrayVar(&flags.Variants, "variant", nil, "rule variant (repeatable)")
	cmd.Flags().StringArrayVar(&flags.Invite, "invite", nil, "username to invite (repeatable)")
	return cmd
}

func createMatch(ctx context.Context, st store.Store, mf matchFile) (matchView, error) {
	mf.Title = strings.TrimSpace(mf.Title)
	if mf.Title == "" {
		return matchView{}, errors.New("a title is required")
	}
	if mf.Creator == "" {
		return matchView{}, errors.New("a creator is required")
	}
	if mf.Players == 0 {
		mf.Players = 2
	}

	nm := store.NewMatch{
		Title:       mf.Title,
		PlayerCount: mf.Players,
		Resources:   2,
		ExtraDraft:  mf.ExtraDraft,
		Variants:    mf.Variants,
	}
	if mf.Resources != nil {
		nm.Resources = *mf.Resources
	}

	creator, err := lookupUser(ctx, st, mf.Creator)
	if err != nil {
		return matchView{}, err
	}
	nm.Creator = creator.ID
	for _, name := range mf.Invite {
		u, err := lookupUser(ctx, st, name)
		if err != nil {
			return matchView{}, err
		}
		nm.Invited = append(nm.Invited, u.ID)
	}

	m, err := st.CreateMatch(ctx, nm)
	if err != nil {
		return matchView{}, fmt.Errorf("creating match: %w", err)
	}
	roster, err := st.Roster(ctx, m.ID)
	if err != nil {
		return matchView{}, err
	}
	return newMatchView(m, roster), nil
}

func lookupUser(ctx context.Context, st store.Store, name string) (tabletop.User, error) {
	u, err := st.UserByName(ctx, name)
	if errors.Is(err, store.ErrNotFound) || (err == nil && u.IsNoOne()) {
		return u, fmt.Errorf("unknown user %q", name)
	}
	return u, err
}

func newMatchShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Print a match and its seats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid match id %q", args[0])
			}

			ctx := cmd.Context()
			db, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			st := store.NewSQLiteStore(db)
			m, err := st.Match(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("match %d not found", id)
			}
			if err != nil {
				return err
			}
			roster, err := st.Roster(ctx, id)
			if err != nil {
				return err
			}
			v := newMatchView(m, roster)
			return opts.print(cmd.OutOrStdout(), v, v.text)
		},
	}
}
